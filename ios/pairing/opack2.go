package pairing

import (
	"encoding/binary"
	"math"
	"sort"

	"github.com/ios-remotexpc/remotexpc/ioserr"
)

// Opack2 namespaces the OPACK2 encode/decode functions, matching the
// dumps/loads naming the teacher's pairing code expects from its codec
// dependency.
var Opack2 opack2Codec

type opack2Codec struct{}

// Dumps renders v (nil, bool, int, float64, string, []byte, []interface{},
// map[string]interface{}) as an OPACK2 byte string.
func (opack2Codec) Dumps(v interface{}) []byte {
	var out []byte
	encodeOpack(&out, v)
	return out
}

// Loads parses an OPACK2 byte string back into its Go representation.
func (opack2Codec) Loads(raw []byte) (interface{}, error) {
	d := &opackDecoder{buf: raw}
	v, err := d.decodeOne()
	if err != nil {
		return nil, ioserr.NewParse("opack2", err)
	}
	return v, nil
}

func encodeOpack(out *[]byte, v interface{}) {
	switch val := v.(type) {
	case nil:
		*out = append(*out, 0x03)
	case bool:
		if val {
			*out = append(*out, 0x01)
		} else {
			*out = append(*out, 0x02)
		}
	case int:
		encodeOpackInt(out, int64(val))
	case int32:
		encodeOpackInt(out, int64(val))
	case int64:
		encodeOpackInt(out, val)
	case uint64:
		encodeOpackInt(out, int64(val))
	case float32:
		encodeOpackFloat(out, float64(val))
	case float64:
		encodeOpackFloat(out, val)
	case string:
		encodeOpackString(out, val)
	case []byte:
		encodeOpackBuffer(out, val)
	case []interface{}:
		encodeOpackArray(out, val)
	case map[string]interface{}:
		encodeOpackObject(out, val)
	default:
		panic("opack2: unsupported type")
	}
}

func encodeOpackInt(out *[]byte, n int64) {
	if n < 0 {
		// Apple's documented promotion: negative integers, like
		// out-of-range positive integers, encode as a 4-byte float32.
		// float32 holds integers exactly only up to 2^24 in magnitude;
		// larger values lose precision.
		encodeOpackNumberAsFloat32(out, n)
		return
	}
	switch {
	case n >= 0 && n <= 39:
		*out = append(*out, byte(0x08+n))
	case n <= 255:
		*out = append(*out, 0x30, byte(n))
	case n <= math.MaxInt32 && n >= math.MinInt32:
		buf := make([]byte, 4)
		binary.LittleEndian.PutUint32(buf, uint32(int32(n)))
		*out = append(*out, 0x32)
		*out = append(*out, buf...)
	default:
		encodeOpackNumberAsFloat32(out, n)
	}
}

func encodeOpackNumberAsFloat32(out *[]byte, n int64) {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, math.Float32bits(float32(n)))
	*out = append(*out, 0x35)
	*out = append(*out, buf...)
}

func encodeOpackFloat(out *[]byte, f float64) {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, math.Float32bits(float32(f)))
	*out = append(*out, 0x35)
	*out = append(*out, buf...)
}

func encodeOpackString(out *[]byte, s string) {
	n := len(s) // UTF-8 byte length is what counts
	if n < 0x20 {
		*out = append(*out, byte(0x40+n))
		*out = append(*out, s...)
		return
	}
	*out = append(*out, 0x6F)
	*out = appendOpackLength(*out, uint32(n))
	*out = append(*out, s...)
}

func encodeOpackBuffer(out *[]byte, b []byte) {
	n := len(b)
	if n < 0x20 {
		*out = append(*out, byte(0x70+n))
		*out = append(*out, b...)
		return
	}
	// 0x70-0x8F is fully occupied by the short form (n == 0..31, so
	// 0x70+0x1F == 0x8F); the long form needs a marker outside that
	// range, the same way the long-form string marker 0x6F sits above
	// the short-form string range 0x40-0x5F.
	*out = append(*out, 0x9F)
	*out = appendOpackLength(*out, uint32(n))
	*out = append(*out, b...)
}

// appendOpackLength appends a little-endian u32 length for the long forms
// of string/buffer encoding.
func appendOpackLength(out []byte, n uint32) []byte {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, n)
	return append(out, buf...)
}

func encodeOpackArray(out *[]byte, arr []interface{}) {
	if len(arr) <= 14 {
		*out = append(*out, byte(0xD0+len(arr)))
		for _, item := range arr {
			encodeOpack(out, item)
		}
		return
	}
	*out = append(*out, 0xDF)
	for _, item := range arr {
		encodeOpack(out, item)
	}
	*out = append(*out, 0x03)
}

func encodeOpackObject(out *[]byte, obj map[string]interface{}) {
	keys := make([]string, 0, len(obj))
	for k, v := range obj {
		if v == nil {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	if len(keys) <= 14 {
		*out = append(*out, byte(0xE0+len(keys)))
		for _, k := range keys {
			encodeOpack(out, k)
			encodeOpack(out, obj[k])
		}
		return
	}
	*out = append(*out, 0xEF)
	for _, k := range keys {
		encodeOpack(out, k)
		encodeOpack(out, obj[k])
	}
	*out = append(*out, 0x03)
	*out = append(*out, 0x03)
}

// Encode/Decode are the exported function forms some call sites prefer over
// the Opack2 namespace value.
func Encode(v interface{}) ([]byte, error) { return Opack2.Dumps(v), nil }
func Decode(raw []byte) (interface{}, error) { return Opack2.Loads(raw) }

type opackDecoder struct {
	buf []byte
	pos int
}

func (d *opackDecoder) decodeOne() (interface{}, error) {
	if d.pos >= len(d.buf) {
		return nil, errOpackTruncated
	}
	marker := d.buf[d.pos]
	d.pos++
	switch {
	case marker == 0x01:
		return true, nil
	case marker == 0x02:
		return false, nil
	case marker == 0x03:
		return nil, nil
	case marker >= 0x08 && marker <= 0x2F:
		return int64(marker - 0x08), nil
	case marker == 0x30:
		v, err := d.readByte()
		return int64(v), err
	case marker == 0x32:
		b, err := d.readN(4)
		if err != nil {
			return nil, err
		}
		return int64(int32(binary.LittleEndian.Uint32(b))), nil
	case marker == 0x35:
		b, err := d.readN(4)
		if err != nil {
			return nil, err
		}
		return float64(math.Float32frombits(binary.LittleEndian.Uint32(b))), nil
	case marker >= 0x40 && marker <= 0x5F:
		n := int(marker - 0x40)
		b, err := d.readN(n)
		if err != nil {
			return nil, err
		}
		return string(b), nil
	case marker == 0x6F:
		n, err := d.readLength()
		if err != nil {
			return nil, err
		}
		b, err := d.readN(int(n))
		if err != nil {
			return nil, err
		}
		return string(b), nil
	case marker >= 0x70 && marker <= 0x8F:
		n := int(marker - 0x70)
		return d.readN(n)
	case marker == 0x9F:
		n, err := d.readLength()
		if err != nil {
			return nil, err
		}
		return d.readN(int(n))
	case marker >= 0xD0 && marker <= 0xDE:
		n := int(marker - 0xD0)
		arr := make([]interface{}, 0, n)
		for i := 0; i < n; i++ {
			v, err := d.decodeOne()
			if err != nil {
				return nil, err
			}
			arr = append(arr, v)
		}
		return arr, nil
	case marker == 0xDF:
		var arr []interface{}
		for {
			if d.pos < len(d.buf) && d.buf[d.pos] == 0x03 {
				d.pos++
				break
			}
			v, err := d.decodeOne()
			if err != nil {
				return nil, err
			}
			arr = append(arr, v)
		}
		return arr, nil
	case marker >= 0xE0 && marker <= 0xEE:
		n := int(marker - 0xE0)
		obj := make(map[string]interface{}, n)
		for i := 0; i < n; i++ {
			k, err := d.decodeOne()
			if err != nil {
				return nil, err
			}
			v, err := d.decodeOne()
			if err != nil {
				return nil, err
			}
			ks, _ := k.(string)
			obj[ks] = v
		}
		return obj, nil
	case marker == 0xEF:
		obj := make(map[string]interface{})
		for {
			if d.pos < len(d.buf) && d.buf[d.pos] == 0x03 {
				d.pos++
				break
			}
			k, err := d.decodeOne()
			if err != nil {
				return nil, err
			}
			v, err := d.decodeOne()
			if err != nil {
				return nil, err
			}
			ks, _ := k.(string)
			obj[ks] = v
		}
		// terminating sentinel for the implicit trailing key
		if d.pos < len(d.buf) && d.buf[d.pos] == 0x03 {
			d.pos++
		}
		return obj, nil
	default:
		return nil, errOpackUnknownMarker
	}
}

func (d *opackDecoder) readByte() (byte, error) {
	if d.pos >= len(d.buf) {
		return 0, errOpackTruncated
	}
	b := d.buf[d.pos]
	d.pos++
	return b, nil
}

func (d *opackDecoder) readN(n int) ([]byte, error) {
	if d.pos+n > len(d.buf) {
		return nil, errOpackTruncated
	}
	b := d.buf[d.pos : d.pos+n]
	d.pos += n
	return b, nil
}

func (d *opackDecoder) readLength() (uint32, error) {
	b, err := d.readN(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

type opackError string

func (e opackError) Error() string { return string(e) }

const (
	errOpackTruncated    opackError = "truncated OPACK2 buffer"
	errOpackUnknownMarker opackError = "unknown OPACK2 marker"
)
