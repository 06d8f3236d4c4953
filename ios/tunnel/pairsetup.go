package tunnel

import (
	"bytes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"fmt"
	"io"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/ios-remotexpc/remotexpc/ios/pairing"
	"github.com/ios-remotexpc/remotexpc/ios/xpc"
	"github.com/ios-remotexpc/remotexpc/ioserr"
)

const UntrustedTunnelServiceName = "com.apple.internal.dt.coredevice.untrusted.tunnelservice"

// NewTunnelServiceWithXpc opens a fresh pair-setup session over an existing
// xpc connection. It also generates a P-256 ECDH key and keeps it on the
// service; Pair and CreateTunnelListener do not use it.
func NewTunnelServiceWithXpc(xpcConn *xpc.Connection, c io.Closer) (*TunnelService, error) {
	key, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		return nil, ioserr.NewCryptography("generating tunnel ECDH key", err)
	}
	return &TunnelService{xpcConn: xpcConn, c: c, key: key, messageReadWriter: newControlChannelCodec()}, nil
}

// NewTunnelServiceWithSessionKey resumes an already-paired session given a
// previously negotiated SRP session key, skipping Pair().
func NewTunnelServiceWithSessionKey(conn *xpc.Connection, c io.Closer, sessionKey []byte) (*TunnelService, error) {
	ts := &TunnelService{
		xpcConn:           conn,
		c:                 c,
		key:               nil,
		messageReadWriter: newControlChannelCodec(),
	}
	if err := ts.setupCiphers(sessionKey); err != nil {
		return nil, err
	}
	return ts, nil
}

// TunnelService drives the untrusted-tunnel-service pairing handshake and
// the subsequent encrypted control channel used to create a tunnel
// listener on the device.
type TunnelService struct {
	xpcConn *xpc.Connection
	c       io.Closer
	key     *ecdh.PrivateKey

	clientEncryption  cipher.AEAD
	serverEncryption  cipher.AEAD
	cs                *cipherStream
	messageReadWriter *controlChannelCodec
}

// PairInfo is the outcome of a successful Pair() call: the SRP session key
// later calls derive all tunnel-channel keys from.
type PairInfo struct {
	SessionKey []byte
}

func (t *TunnelService) Close() error {
	return t.c.Close()
}

// Pair runs the full manual-pairing SRP-6a handshake (pair-setup) against
// the device's untrusted tunnel service: handshake negotiation, SRP proof
// exchange, Ed25519 device-info exchange, and unlock-key provisioning.
func (t *TunnelService) Pair() (PairInfo, error) {
	err := t.xpcConn.Send(EncodeRequest(t.messageReadWriter, map[string]interface{}{
		"handshake": map[string]interface{}{
			"_0": map[string]interface{}{
				"hostOptions": map[string]interface{}{
					"attemptPairVerify": false,
				},
				"wireProtocolVersion": int64(19),
			},
		},
	}))
	if err != nil {
		return PairInfo{}, err
	}
	m, err := t.xpcConn.ReceiveOnClientServerStream()
	if err != nil {
		return PairInfo{}, err
	}
	if _, err = t.messageReadWriter.Decode(m); err != nil {
		return PairInfo{}, err
	}

	if err := t.setupManualPairing(); err != nil {
		return PairInfo{}, err
	}

	devPublicKey, devSaltKey, err := t.readDeviceKey()
	if err != nil {
		return PairInfo{}, err
	}

	srp, err := pairing.NewSrpInfo(devSaltKey, devPublicKey)
	if err != nil {
		return PairInfo{}, err
	}

	proofTlv := pairing.NewTLVBuffer()
	proofTlv.WriteByte(pairing.TypeState, pairing.PairStateVerifyRequest)
	proofTlv.WriteData(pairing.TypePublicKey, srp.ClientPublic)
	proofTlv.WriteData(pairing.TypeProof, srp.ClientProof)

	err = t.xpcConn.Send(EncodeEvent(t.messageReadWriter, &pairingData{
		data: proofTlv.Bytes(),
		kind: "setupManualPairing",
	}))
	if err != nil {
		return PairInfo{}, err
	}

	m, err = t.xpcConn.ReceiveOnClientServerStream()
	if err != nil {
		return PairInfo{}, err
	}

	var proofPairingData pairingData
	if err := DecodeEvent(t.messageReadWriter, m, &proofPairingData); err != nil {
		return PairInfo{}, err
	}

	serverProof, err := pairing.TlvReader(proofPairingData.data).ReadCoalesced(pairing.TypeProof)
	if err != nil {
		return PairInfo{}, err
	}
	if !srp.VerifyServerProof(serverProof) {
		return PairInfo{}, ioserr.NewCryptographyf("could not verify server SRP proof")
	}

	identifier := uuid.New()
	keyPair, err := pairing.GenerateEd25519KeyPair()
	if err != nil {
		return PairInfo{}, err
	}

	signSeed, err := pairing.HKDFDerive(srp.SessionKey, []byte("Pair-Setup-Controller-Sign-Salt"), []byte("Pair-Setup-Controller-Sign-Info"), 32)
	if err != nil {
		return PairInfo{}, err
	}
	buf := bytes.NewBuffer(signSeed)
	buf.WriteString(identifier.String())
	buf.Write(keyPair.PublicKey)

	signature, err := pairing.Ed25519Sign(keyPair.PrivateKey[:32], buf.Bytes())
	if err != nil {
		return PairInfo{}, err
	}

	deviceInfo, err := pairing.Encode(map[string]interface{}{
		"accountID":                   identifier.String(),
		"altIRK":                      []byte{0x5e, 0xca, 0x81, 0x91, 0x92, 0x02, 0x82, 0x00, 0x11, 0x22, 0x33, 0x44, 0xbb, 0xf2, 0x4a, 0xc8},
		"btAddr":                      "FF:DD:99:66:BB:AA",
		"mac":                         []byte{0xff, 0x44, 0x88, 0x66, 0x33, 0x99},
		"model":                       "MacBookPro18,3",
		"name":                        "host-name",
		"remotepairing_serial_number": "YY9944YY99",
	})
	if err != nil {
		return PairInfo{}, err
	}

	deviceInfoTlv := pairing.NewTLVBuffer()
	deviceInfoTlv.WriteData(pairing.TypeSignature, signature)
	deviceInfoTlv.WriteData(pairing.TypePublicKey, keyPair.PublicKey)
	deviceInfoTlv.WriteData(pairing.TypeIdentifier, []byte(identifier.String()))
	deviceInfoTlv.WriteData(pairing.TypeInfo, deviceInfo)

	setupKey, err := pairing.HKDFDerive(srp.SessionKey, []byte("Pair-Setup-Encrypt-Salt"), []byte("Pair-Setup-Encrypt-Info"), 32)
	if err != nil {
		return PairInfo{}, err
	}

	msg05Nonce := make([]byte, 12)
	copy(msg05Nonce[4:], "PS-Msg05")
	encryptedDeviceInfo, err := pairing.ChaChaEncrypt(setupKey, msg05Nonce, deviceInfoTlv.Bytes())
	if err != nil {
		return PairInfo{}, err
	}

	encryptedTlv := pairing.NewTLVBuffer()
	encryptedTlv.WriteByte(pairing.TypeState, 0x05)
	encryptedTlv.WriteData(pairing.TypeEncryptedData, encryptedDeviceInfo)

	err = t.xpcConn.Send(EncodeEvent(t.messageReadWriter, &pairingData{
		data:        encryptedTlv.Bytes(),
		kind:        "setupManualPairing",
		sendingHost: "SL-1876",
	}))
	if err != nil {
		return PairInfo{}, err
	}

	m, err = t.xpcConn.ReceiveOnClientServerStream()
	if err != nil {
		return PairInfo{}, err
	}

	var encRes pairingData
	if err := DecodeEvent(t.messageReadWriter, m, &encRes); err != nil {
		return PairInfo{}, err
	}

	encrData, err := pairing.TlvReader(encRes.data).ReadCoalesced(pairing.TypeEncryptedData)
	if err != nil {
		return PairInfo{}, err
	}
	msg06Nonce := make([]byte, 12)
	copy(msg06Nonce[4:], "PS-Msg06")
	// The decrypted device-info response itself is unused; decrypting
	// successfully is the device's confirmation that M5 was accepted.
	if _, err := pairing.ChaChaDecrypt(setupKey, msg06Nonce, encrData); err != nil {
		return PairInfo{}, err
	}

	if err := t.setupCiphers(srp.SessionKey); err != nil {
		return PairInfo{}, err
	}

	if _, err := t.createUnlockKey(); err != nil {
		return PairInfo{}, err
	}

	return PairInfo{SessionKey: srp.SessionKey}, nil
}

// CreateTunnelListener asks the device to open a tunnel listener over TCP
// and returns the keys and port needed to dial it.
func (t *TunnelService) CreateTunnelListener() (TunnelListener, error) {
	log.Info("create tunnel listener")
	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return TunnelListener{}, ioserr.NewCryptography("generating tunnel listener RSA key", err)
	}
	der, err := x509.MarshalPKIXPublicKey(&privateKey.PublicKey)
	if err != nil {
		return TunnelListener{}, ioserr.NewCryptography("marshaling tunnel listener public key", err)
	}

	createListenerRequest, err := EncodeStreamEncrypted(t.messageReadWriter, t.clientEncryption, t.cs, map[string]interface{}{
		"request": map[string]interface{}{
			"_0": map[string]interface{}{
				"createListener": map[string]interface{}{
					"key":                   der,
					"transportProtocolType": "tcp",
				},
			},
		},
	})
	if err != nil {
		return TunnelListener{}, err
	}
	if err := t.xpcConn.Send(createListenerRequest); err != nil {
		return TunnelListener{}, err
	}

	m, err := t.xpcConn.ReceiveOnClientServerStream()
	if err != nil {
		return TunnelListener{}, err
	}

	listenerRes, err := DecodeStreamEncrypted(t.messageReadWriter, t.serverEncryption, t.cs, m)
	if err != nil {
		return TunnelListener{}, err
	}

	createListener, err := getChildMap(listenerRes, "response", "_1", "createListener")
	if err != nil {
		return TunnelListener{}, err
	}
	port, err := asUint64(createListener["port"])
	if err != nil {
		return TunnelListener{}, ioserr.NewProtocolf("tunnel listener response", "port field: %v", err)
	}
	devicePublicKey, ok := createListener["devicePublicKey"].(string)
	if !ok {
		return TunnelListener{}, ioserr.NewProtocolf("tunnel listener response", "devicePublicKey missing or not a string")
	}
	devPK, err := base64.StdEncoding.DecodeString(devicePublicKey)
	if err != nil {
		return TunnelListener{}, ioserr.NewParse("tunnel listener devicePublicKey", err)
	}
	publicKey, err := x509.ParsePKIXPublicKey(devPK)
	if err != nil {
		return TunnelListener{}, ioserr.NewParse("tunnel listener devicePublicKey DER", err)
	}
	return TunnelListener{
		PrivateKey:      privateKey,
		DevicePublicKey: publicKey,
		TunnelPort:      port,
	}, nil
}

// asUint64 accepts either int64 or float64, since OPACK2 decoding can
// surface small integers as either depending on how they were encoded.
func asUint64(v interface{}) (uint64, error) {
	switch n := v.(type) {
	case int64:
		return uint64(n), nil
	case float64:
		return uint64(n), nil
	default:
		return 0, fmt.Errorf("expected a number, got %T", v)
	}
}

func (t *TunnelService) setupCiphers(sessionKey []byte) error {
	clientKey, err := pairing.HKDFDerive(sessionKey, nil, []byte("ClientEncrypt-main"), 32)
	if err != nil {
		return err
	}
	serverKey, err := pairing.HKDFDerive(sessionKey, nil, []byte("ServerEncrypt-main"), 32)
	if err != nil {
		return err
	}
	serverAEAD, err := newAEAD(serverKey)
	if err != nil {
		return err
	}
	clientAEAD, err := newAEAD(clientKey)
	if err != nil {
		return err
	}
	t.serverEncryption = serverAEAD
	t.clientEncryption = clientAEAD
	t.cs = &cipherStream{}
	return nil
}

func (t *TunnelService) setupManualPairing() error {
	buf := pairing.NewTLVBuffer()
	buf.WriteByte(pairing.TypeMethod, 0x00)
	buf.WriteByte(pairing.TypeState, pairing.PairStateStartRequest)

	event := pairingData{
		data:            buf.Bytes(),
		kind:            "setupManualPairing",
		startNewSession: true,
	}

	if err := t.xpcConn.Send(EncodeEvent(t.messageReadWriter, &event)); err != nil {
		return err
	}
	res, err := t.xpcConn.ReceiveOnClientServerStream()
	if err != nil {
		return err
	}
	_, err = t.messageReadWriter.Decode(res)
	return err
}

func (t *TunnelService) readDeviceKey() (publicKey []byte, salt []byte, err error) {
	m, err := t.xpcConn.ReceiveOnClientServerStream()
	if err != nil {
		return
	}
	var pd pairingData
	err = DecodeEvent(t.messageReadWriter, m, &pd)
	if err != nil {
		return
	}
	publicKey, err = pairing.TlvReader(pd.data).ReadCoalesced(pairing.TypePublicKey)
	if err != nil {
		return
	}
	salt, err = pairing.TlvReader(pd.data).ReadCoalesced(pairing.TypeSalt)
	if err != nil {
		return
	}
	return
}

func (t *TunnelService) createUnlockKey() ([]byte, error) {
	unlockReqMsg, err := EncodeStreamEncrypted(t.messageReadWriter, t.clientEncryption, t.cs, map[string]interface{}{
		"request": map[string]interface{}{
			"_0": map[string]interface{}{
				"createRemoteUnlockKey": map[string]interface{}{},
			},
		},
	})
	if err != nil {
		return nil, err
	}

	if err := t.xpcConn.Send(unlockReqMsg); err != nil {
		return nil, err
	}

	m, err := t.xpcConn.ReceiveOnClientServerStream()
	if err != nil {
		return nil, err
	}

	_, err = DecodeStreamEncrypted(t.messageReadWriter, t.serverEncryption, t.cs, m)
	return nil, err
}

// TunnelListener is the device-provided rendezvous a client dials to
// establish the encrypted tunnel transport.
type TunnelListener struct {
	PrivateKey      *rsa.PrivateKey
	DevicePublicKey interface{}
	TunnelPort      uint64
}

// TunnelInfo describes an established tunnel's addressing: the server
// address and RSD port, and the client-side interface parameters.
type TunnelInfo struct {
	ServerAddress    string
	ServerRSDPort    uint64
	ClientParameters struct {
		Address string
		Netmask string
		Mtu     uint64
	}
}
