package plist

import (
	"encoding/binary"
	"fmt"
	"math"
	"math/big"
	"unicode/utf16"

	"github.com/ios-remotexpc/remotexpc/ioserr"
)

const binaryMagic = "bplist00"

// node is one not-yet-serialized object discovered while walking a Value
// tree. Scalars carry their encoded bytes directly; containers carry child
// indices so the whole tree's object count is known before any container is
// serialized, which in turn fixes the single ref width used throughout the
// file.
type node struct {
	scalar  []byte // non-nil for leaf objects
	isDict  bool
	isArray bool
	refs    []int   // array elements, or dict keys followed by dict values
	count   int     // dict key/value pair count (refs holds 2*count entries)
}

// EncodeBinary renders v as a complete "bplist00" payload.
func EncodeBinary(v Value) []byte {
	e := &binaryEncoder{}
	top := e.flatten(v)
	refWidth := byteWidthFor(len(e.nodes))

	objects := make([][]byte, len(e.nodes))
	for i, n := range e.nodes {
		switch {
		case n.scalar != nil:
			objects[i] = n.scalar
		case n.isArray:
			objects[i] = encodeRefList(0xA, n.refs, refWidth)
		case n.isDict:
			keyRefs := n.refs[:n.count]
			valRefs := n.refs[n.count:]
			body := encodeMarkerAndLength(0xD, n.count, nil)
			for _, r := range keyRefs {
				body = append(body, encodeUint(uint64(r), refWidth)...)
			}
			for _, r := range valRefs {
				body = append(body, encodeUint(uint64(r), refWidth)...)
			}
			objects[i] = body
		}
	}

	buf := []byte(binaryMagic)
	offsets := make([]int, len(objects))
	for i, obj := range objects {
		offsets[i] = len(buf)
		buf = append(buf, obj...)
	}
	offsetTableOffset := len(buf)
	offSize := byteWidthFor(offsetTableOffset)
	for _, off := range offsets {
		buf = append(buf, encodeUint(uint64(off), offSize)...)
	}

	var trailer [32]byte
	trailer[6] = byte(offSize)
	trailer[7] = byte(refWidth)
	binary.BigEndian.PutUint64(trailer[8:16], uint64(len(objects)))
	binary.BigEndian.PutUint64(trailer[16:24], uint64(top))
	binary.BigEndian.PutUint64(trailer[24:32], uint64(offsetTableOffset))
	buf = append(buf, trailer[:]...)
	return buf
}

func byteWidthFor(n int) int {
	switch {
	case n <= 0xFF:
		return 1
	case n <= 0xFFFF:
		return 2
	case n <= 0xFFFFFFFF:
		return 4
	default:
		return 8
	}
}

func encodeUint(v uint64, width int) []byte {
	b := make([]byte, width)
	switch width {
	case 1:
		b[0] = byte(v)
	case 2:
		binary.BigEndian.PutUint16(b, uint16(v))
	case 4:
		binary.BigEndian.PutUint32(b, uint32(v))
	default:
		binary.BigEndian.PutUint64(b, v)
	}
	return b
}

type binaryEncoder struct {
	nodes []node
}

// flatten appends v (and everything it references) to e.nodes in
// depth-first order and returns v's object index. Containers are recorded
// as ref lists only; their bytes are serialized later once the final
// object count (and thus ref width) is known.
func (e *binaryEncoder) flatten(v Value) int {
	switch v.kind {
	case KindNull:
		return e.add(node{scalar: []byte{0x00}})
	case KindBool:
		if v.b {
			return e.add(node{scalar: []byte{0x09}})
		}
		return e.add(node{scalar: []byte{0x08}})
	case KindInt:
		return e.add(node{scalar: encodeBplistInt(v)})
	case KindFloat:
		buf := make([]byte, 9)
		buf[0] = 0x23
		binary.BigEndian.PutUint64(buf[1:], math.Float64bits(v.f))
		return e.add(node{scalar: buf})
	case KindDate:
		buf := make([]byte, 9)
		buf[0] = 0x33
		binary.BigEndian.PutUint64(buf[1:], math.Float64bits(toAppleSeconds(v.t)))
		return e.add(node{scalar: buf})
	case KindData:
		return e.add(node{scalar: encodeMarkerAndLength(0x4, len(v.data), v.data)})
	case KindString:
		if isASCII(v.s) {
			return e.add(node{scalar: encodeMarkerAndLength(0x5, len(v.s), []byte(v.s))})
		}
		u := utf16.Encode([]rune(v.s))
		buf := make([]byte, len(u)*2)
		for i, c := range u {
			binary.BigEndian.PutUint16(buf[i*2:], c)
		}
		return e.add(node{scalar: encodeMarkerAndLength(0x6, len(u), buf)})
	case KindArray:
		refs := make([]int, len(v.arr))
		for i, item := range v.arr {
			refs[i] = e.flatten(item)
		}
		return e.add(node{isArray: true, refs: refs})
	case KindDict:
		keys := v.Keys()
		keyRefs := make([]int, len(keys))
		for i, k := range keys {
			keyRefs[i] = e.flatten(String(k))
		}
		valRefs := make([]int, len(keys))
		for i, k := range keys {
			val, _ := v.Get(k)
			valRefs[i] = e.flatten(val)
		}
		return e.add(node{isDict: true, count: len(keys), refs: append(keyRefs, valRefs...)})
	default:
		return e.add(node{scalar: []byte{0x00}})
	}
}

func (e *binaryEncoder) add(n node) int {
	e.nodes = append(e.nodes, n)
	return len(e.nodes) - 1
}

func encodeRefList(marker byte, refs []int, width int) []byte {
	header := encodeMarkerAndLength(marker, len(refs), nil)
	for _, r := range refs {
		header = append(header, encodeUint(uint64(r), width)...)
	}
	return header
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] > 0x7F {
			return false
		}
	}
	return true
}

func encodeMarkerAndLength(marker byte, length int, payload []byte) []byte {
	if length < 0x0F {
		buf := append([]byte{byte(marker<<4) | byte(length)}, payload...)
		return buf
	}
	lenObj := encodeBplistInt(Int(int64(length)))
	buf := []byte{byte(marker<<4) | 0x0F}
	buf = append(buf, lenObj...)
	buf = append(buf, payload...)
	return buf
}

func encodeBplistInt(v Value) []byte {
	if v.bigInt != nil {
		if v.bigInt.IsInt64() {
			return encodeBplistInt(Int(v.bigInt.Int64()))
		}
		// Outside signed 64-bit: a 16-byte two's-complement integer, which
		// DecodeBinary reads back as an arbitrary-precision value. Only the
		// low 128 bits of wider values are kept.
		u := new(big.Int).Mod(v.bigInt, new(big.Int).Lsh(big.NewInt(1), 128))
		buf := make([]byte, 17)
		buf[0] = 0x14
		u.FillBytes(buf[1:])
		return buf
	}
	i := v.i
	switch {
	case i >= -0x80 && i <= 0x7F:
		return []byte{0x10, byte(int8(i))}
	case i >= -0x8000 && i <= 0x7FFF:
		buf := make([]byte, 3)
		buf[0] = 0x11
		binary.BigEndian.PutUint16(buf[1:], uint16(int16(i)))
		return buf
	case i >= -0x80000000 && i <= 0x7FFFFFFF:
		buf := make([]byte, 5)
		buf[0] = 0x12
		binary.BigEndian.PutUint32(buf[1:], uint32(int32(i)))
		return buf
	default:
		buf := make([]byte, 9)
		buf[0] = 0x13
		binary.BigEndian.PutUint64(buf[1:], uint64(i))
		return buf
	}
}

func bigIntTo8Bytes(b *big.Int) []byte {
	bs := b.Bytes()
	out := make([]byte, 8)
	if len(bs) > 8 {
		bs = bs[len(bs)-8:]
	}
	copy(out[8-len(bs):], bs)
	return out
}

// DecodeBinary parses a "bplist00" payload into a Value.
func DecodeBinary(raw []byte) (Value, error) {
	if len(raw) < 8+32 || string(raw[:8]) != binaryMagic {
		return Value{}, ioserr.NewParse("bplist", fmt.Errorf("missing bplist00 magic"))
	}
	trailer := raw[len(raw)-32:]
	offsetSize := int(trailer[6])
	refSize := int(trailer[7])
	numObjects := int(binary.BigEndian.Uint64(trailer[8:16]))
	topObject := int(binary.BigEndian.Uint64(trailer[16:24]))
	offsetTableOffset := int(binary.BigEndian.Uint64(trailer[24:32]))

	if offsetSize == 0 || refSize == 0 || numObjects == 0 {
		return Value{}, ioserr.NewParse("bplist", fmt.Errorf("malformed trailer"))
	}

	offsets := make([]int, numObjects)
	for i := 0; i < numObjects; i++ {
		off := offsetTableOffset + i*offsetSize
		if off+offsetSize > len(raw) {
			return Value{}, ioserr.NewParse("bplist", fmt.Errorf("offset table out of range"))
		}
		offsets[i] = int(readUint(raw[off:off+offsetSize], offsetSize))
	}

	d := &binaryDecoder{raw: raw, offsets: offsets, refSize: refSize, resolved: make(map[int]*Value, numObjects)}

	// Pass 1: materialize shells for every object so cyclic/forward
	// references resolve without recursion blowing the stack.
	for i := range offsets {
		if _, err := d.shell(i); err != nil {
			return Value{}, err
		}
	}
	// Pass 2: fill in container children.
	for i := range offsets {
		if err := d.resolveChildren(i); err != nil {
			return Value{}, err
		}
	}
	if topObject >= len(d.resolved) || d.resolved[topObject] == nil {
		return Value{}, ioserr.NewParse("bplist", fmt.Errorf("top object index out of range"))
	}
	return *d.resolved[topObject], nil
}

func readUint(b []byte, width int) uint64 {
	switch width {
	case 1:
		return uint64(b[0])
	case 2:
		return uint64(binary.BigEndian.Uint16(b))
	case 4:
		return uint64(binary.BigEndian.Uint32(b))
	default:
		var v uint64
		for i := 0; i < width; i++ {
			v = v<<8 | uint64(b[i])
		}
		return v
	}
}

type binaryDecoder struct {
	raw      []byte
	offsets  []int
	refSize  int
	resolved map[int]*Value
	// pending holds the raw child-ref lists for containers, filled in
	// during pass 1 and consumed during pass 2.
	pendingArr  map[int][]int
	pendingDict map[int][2][]int
}

func (d *binaryDecoder) shell(idx int) (*Value, error) {
	if v, ok := d.resolved[idx]; ok {
		return v, nil
	}
	if idx < 0 || idx >= len(d.offsets) {
		return nil, ioserr.NewParse("bplist", fmt.Errorf("object ref %d out of range", idx))
	}
	off := d.offsets[idx]
	if off >= len(d.raw) {
		return nil, ioserr.NewParse("bplist", fmt.Errorf("object offset out of range"))
	}
	marker := d.raw[off]
	hi := marker >> 4
	lo := marker & 0x0F

	var v Value
	switch hi {
	case 0x0:
		switch lo {
		case 0x0:
			v = Null()
		case 0x8:
			v = Bool(false)
		case 0x9:
			v = Bool(true)
		case 0xF:
			v = Null() // fill byte
		default:
			return nil, ioserr.NewParse("bplist", fmt.Errorf("unknown singleton marker 0x%02x", marker))
		}
	case 0x1: // int
		n := 1 << lo
		if off+1+n > len(d.raw) {
			return nil, ioserr.NewParse("bplist", fmt.Errorf("int out of range"))
		}
		v = decodeBplistInt(d.raw[off+1 : off+1+n])
	case 0x2: // real
		n := 1 << lo
		if n == 4 {
			if off+5 > len(d.raw) {
				return nil, ioserr.NewParse("bplist", fmt.Errorf("float out of range"))
			}
			bits := binary.BigEndian.Uint32(d.raw[off+1 : off+5])
			v = Float(float64(math.Float32frombits(bits)))
		} else {
			if off+9 > len(d.raw) {
				return nil, ioserr.NewParse("bplist", fmt.Errorf("double out of range"))
			}
			bits := binary.BigEndian.Uint64(d.raw[off+1 : off+9])
			v = Float(math.Float64frombits(bits))
		}
	case 0x3: // date
		if off+9 > len(d.raw) {
			return nil, ioserr.NewParse("bplist", fmt.Errorf("date out of range"))
		}
		bits := binary.BigEndian.Uint64(d.raw[off+1 : off+9])
		v = Date(fromAppleSeconds(math.Float64frombits(bits)))
	case 0x4: // data
		length, body, err := d.readLengthAndBody(off, lo, 1)
		if err != nil {
			return nil, err
		}
		v = Data(body[:length])
	case 0x5: // ASCII string
		length, body, err := d.readLengthAndBody(off, lo, 1)
		if err != nil {
			return nil, err
		}
		v = String(string(body[:length]))
	case 0x6: // UTF-16BE string
		length, body, err := d.readLengthAndBody(off, lo, 2)
		if err != nil {
			return nil, err
		}
		units := make([]uint16, length)
		for i := 0; i < length; i++ {
			units[i] = binary.BigEndian.Uint16(body[i*2:])
		}
		v = String(string(utf16.Decode(units)))
	case 0x8: // UID
		n := int(lo) + 1
		if off+1+n > len(d.raw) {
			return nil, ioserr.NewParse("bplist", fmt.Errorf("uid out of range"))
		}
		v = Data(d.raw[off+1 : off+1+n])
	case 0xA: // array
		count, refsOff, err := d.readCount(off, lo)
		if err != nil {
			return nil, err
		}
		refs, err := d.readRefs(refsOff, count)
		if err != nil {
			return nil, err
		}
		if d.pendingArr == nil {
			d.pendingArr = make(map[int][]int)
		}
		d.pendingArr[idx] = refs
		v = Array() // placeholder, filled by resolveChildren
	case 0xD: // dict
		count, refsOff, err := d.readCount(off, lo)
		if err != nil {
			return nil, err
		}
		keyRefs, err := d.readRefs(refsOff, count)
		if err != nil {
			return nil, err
		}
		valRefs, err := d.readRefs(refsOff+count*d.refSize, count)
		if err != nil {
			return nil, err
		}
		if d.pendingDict == nil {
			d.pendingDict = make(map[int][2][]int)
		}
		d.pendingDict[idx] = [2][]int{keyRefs, valRefs}
		v = Dict() // placeholder
	default:
		return nil, ioserr.NewParse("bplist", fmt.Errorf("unknown type byte 0x%02x", marker))
	}
	d.resolved[idx] = &v
	return &v, nil
}

func (d *binaryDecoder) readCount(off int, lo byte) (count, refsOff int, err error) {
	if lo != 0x0F {
		return int(lo), off + 1, nil
	}
	lenOff := off + 1
	if lenOff >= len(d.raw) {
		return 0, 0, ioserr.NewParse("bplist", fmt.Errorf("extended length out of range"))
	}
	lenMarker := d.raw[lenOff]
	n := 1 << (lenMarker & 0x0F)
	if lenOff+1+n > len(d.raw) {
		return 0, 0, ioserr.NewParse("bplist", fmt.Errorf("extended length body out of range"))
	}
	length := int(readUint(d.raw[lenOff+1:lenOff+1+n], n))
	return length, lenOff + 1 + n, nil
}

func (d *binaryDecoder) readLengthAndBody(off int, lo byte, unitSize int) (length int, body []byte, err error) {
	count, dataOff, err := d.readCount(off, lo)
	if err != nil {
		return 0, nil, err
	}
	byteLen := count * unitSize
	if dataOff+byteLen > len(d.raw) {
		return 0, nil, ioserr.NewParse("bplist", fmt.Errorf("string/data body out of range"))
	}
	return count, d.raw[dataOff : dataOff+byteLen], nil
}

func (d *binaryDecoder) readRefs(off, count int) ([]int, error) {
	refs := make([]int, count)
	for i := 0; i < count; i++ {
		o := off + i*d.refSize
		if o+d.refSize > len(d.raw) {
			return nil, ioserr.NewParse("bplist", fmt.Errorf("ref table out of range"))
		}
		refs[i] = int(readUint(d.raw[o:o+d.refSize], d.refSize))
	}
	return refs, nil
}

func (d *binaryDecoder) resolveChildren(idx int) error {
	if refs, ok := d.pendingArr[idx]; ok {
		items := make([]Value, len(refs))
		for i, r := range refs {
			child, ok := d.resolved[r]
			if !ok {
				return ioserr.NewParse("bplist", fmt.Errorf("unresolved array ref %d", r))
			}
			items[i] = *child
		}
		*d.resolved[idx] = Array(items...)
		return nil
	}
	if kv, ok := d.pendingDict[idx]; ok {
		keyRefs, valRefs := kv[0], kv[1]
		dd := newOrderedDict()
		for i := range keyRefs {
			keyVal, ok := d.resolved[keyRefs[i]]
			if !ok {
				return ioserr.NewParse("bplist", fmt.Errorf("unresolved dict key ref"))
			}
			k, isStr := keyVal.String()
			if !isStr {
				return ioserr.NewParse("bplist", fmt.Errorf("dict key is not a string"))
			}
			valVal, ok := d.resolved[valRefs[i]]
			if !ok {
				return ioserr.NewParse("bplist", fmt.Errorf("unresolved dict value ref"))
			}
			dd.set(k, *valVal)
		}
		*d.resolved[idx] = Value{kind: KindDict, dict: dd}
		return nil
	}
	return nil
}

func decodeBplistInt(b []byte) Value {
	switch len(b) {
	case 1:
		return Int(int64(int8(b[0])))
	case 2:
		return Int(int64(int16(binary.BigEndian.Uint16(b))))
	case 4:
		return Int(int64(int32(binary.BigEndian.Uint32(b))))
	case 8:
		u := binary.BigEndian.Uint64(b)
		i := int64(u)
		return Int(i)
	default:
		// Integers wider than 8 bytes exceed signed 64-bit and round trip
		// via an arbitrary-precision value.
		bi := new(big.Int).SetBytes(b)
		if len(b) > 0 && b[0]&0x80 != 0 {
			full := new(big.Int).Lsh(big.NewInt(1), uint(len(b)*8))
			bi.Sub(bi, full)
		}
		return BigInt(bi)
	}
}
