package services

import (
	"time"

	"github.com/ios-remotexpc/remotexpc/ios/lockdown"
	"github.com/ios-remotexpc/remotexpc/ios/plist"
	"github.com/ios-remotexpc/remotexpc/ioserr"
)

const imageMounterRequestTimeout = 30 * time.Second

// ImageMounterService drives com.apple.mobile.mobile_image_mounter over
// its own dedicated lockdown-style plist session.
type ImageMounterService struct {
	session *lockdown.Session
}

// NewImageMounterService wraps an already-started lockdown session
// dedicated to this service.
func NewImageMounterService(session *lockdown.Session) *ImageMounterService {
	return &ImageMounterService{session: session}
}

// Close closes the dedicated session.
func (m *ImageMounterService) Close() error { return m.session.Close() }

func (m *ImageMounterService) sendCommand(command string, extra ...plist.KV) (plist.Value, error) {
	kv := append([]plist.KV{plist.P("Command", plist.String(command))}, extra...)
	resp, err := m.session.SendAndReceive(plist.Dict(kv...), imageMounterRequestTimeout)
	if err != nil {
		return plist.Value{}, err
	}
	if errVal, ok := resp.Get("Error"); ok {
		if s, _ := errVal.String(); s != "" {
			return resp, ioserr.NewProtocolf("imagemounter", "%s failed: %s", command, s)
		}
	}
	return resp, nil
}

// Mount uploads a personalized disk image (its bytes, trustcache, and
// personalization manifest) and asks the device to mount it.
func (m *ImageMounterService) Mount(image, manifest, trustcache []byte) error {
	_, err := m.sendCommand("MountImage",
		plist.P("ImageType", plist.String("Personalized")),
		plist.P("Image", plist.Data(image)),
		plist.P("ImageSignature", plist.Data(manifest)),
		plist.P("ImageTrustCache", plist.Data(trustcache)),
	)
	return err
}

// Lookup returns the mounted-image entries for the given image types
// (empty means "all types").
func (m *ImageMounterService) Lookup(imageTypes []string) (plist.Value, error) {
	if len(imageTypes) == 0 {
		return m.sendCommand("LookupImage")
	}
	items := make([]plist.Value, len(imageTypes))
	for i, t := range imageTypes {
		items[i] = plist.String(t)
	}
	return m.sendCommand("LookupImage", plist.P("ImageType", plist.Array(items...)))
}

// IsPersonalizedImageMounted reports whether a Personalized-type image
// is currently mounted.
func (m *ImageMounterService) IsPersonalizedImageMounted() (bool, error) {
	resp, err := m.Lookup([]string{"Personalized"})
	if err != nil {
		return false, err
	}
	sigs, ok := resp.Get("ImageSignature")
	if !ok {
		return false, nil
	}
	items, _ := sigs.Array()
	return len(items) > 0, nil
}

// QueryNonce returns the personalization nonce for a given image type.
func (m *ImageMounterService) QueryNonce(personalizedImageType string) ([]byte, error) {
	resp, err := m.sendCommand("QueryNonce", plist.P("PersonalizedImageType", plist.String(personalizedImageType)))
	if err != nil {
		return nil, err
	}
	nonce, ok := resp.Get("PersonalizationNonce")
	if !ok {
		return nil, ioserr.NewProtocolf("imagemounter", "QueryNonce response missing PersonalizationNonce")
	}
	data, _ := nonce.Data()
	return data, nil
}

// QueryPersonalizationIdentifiers returns the raw identifiers dict for
// imageType.
func (m *ImageMounterService) QueryPersonalizationIdentifiers(imageType string) (plist.Value, error) {
	return m.sendCommand("QueryPersonalizationIdentifiers", plist.P("ImageType", plist.String(imageType)))
}

// QueryPersonalizationManifest returns the signature the device expects
// for a personalization manifest request.
func (m *ImageMounterService) QueryPersonalizationManifest(imageType string, signature []byte) ([]byte, error) {
	resp, err := m.sendCommand("QueryPersonalizationManifest",
		plist.P("PersonalizationManifestType", plist.String(imageType)),
		plist.P("ImageSignature", plist.Data(signature)),
	)
	if err != nil {
		return nil, err
	}
	manifest, ok := resp.Get("ImageSignature")
	if !ok {
		return nil, ioserr.NewProtocolf("imagemounter", "QueryPersonalizationManifest response missing ImageSignature")
	}
	data, _ := manifest.Data()
	return data, nil
}

// CopyDevices returns the device's mounted-image entry list.
func (m *ImageMounterService) CopyDevices() ([]plist.Value, error) {
	resp, err := m.sendCommand("CopyDevices")
	if err != nil {
		return nil, err
	}
	list, ok := resp.Get("EntryList")
	if !ok {
		return nil, ioserr.NewProtocolf("imagemounter", "CopyDevices response missing EntryList")
	}
	items, _ := list.Array()
	return items, nil
}

// UnmountImage unmounts the image at mountPath.
func (m *ImageMounterService) UnmountImage(mountPath string) error {
	_, err := m.sendCommand("UnmountImage", plist.P("MountPath", plist.String(mountPath)))
	return err
}

// QueryDeveloperModeStatus reports whether Developer Mode is enabled.
func (m *ImageMounterService) QueryDeveloperModeStatus() (bool, error) {
	resp, err := m.sendCommand("QueryDeveloperModeStatus")
	if err != nil {
		return false, err
	}
	status, ok := resp.Get("DeveloperModeStatus")
	if !ok {
		return false, ioserr.NewProtocolf("imagemounter", "response missing DeveloperModeStatus")
	}
	b, _ := status.Bool()
	return b, nil
}
