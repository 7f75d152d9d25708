package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"reflect"
)

// encoder appends Go values to a byte buffer using the DBus wire format,
// tracking the running signature as it goes so callers building a message
// from scratch don't have to compute it separately.
type encoder struct {
	signature Signature
	data      bytes.Buffer
	order     binary.ByteOrder
	offset    int
}

func newEncoder(order binary.ByteOrder, offset int) *encoder {
	return &encoder{order: order, offset: offset}
}

func (e *encoder) align(n int) {
	for (e.data.Len()+e.offset)%n != 0 {
		e.data.WriteByte(0)
	}
}

func (e *encoder) append(args ...interface{}) error {
	for _, arg := range args {
		if err := e.appendValue(reflect.ValueOf(arg)); err != nil {
			return err
		}
	}
	return nil
}

func (e *encoder) appendValue(v reflect.Value) error {
	sig, err := SignatureOf(v.Type())
	if err != nil {
		return err
	}
	e.signature += sig

	if v.Type().AssignableTo(typeHasObjectPath) {
		v = reflect.ValueOf(v.Interface().(HasObjectPath).GetObjectPath())
	}
	for v.Kind() == reflect.Ptr {
		v = v.Elem()
	}

	switch v.Kind() {
	case reflect.Uint8:
		e.align(1)
		e.data.WriteByte(byte(v.Uint()))
	case reflect.Bool:
		e.align(4)
		var u uint32
		if v.Bool() {
			u = 1
		}
		binary.Write(&e.data, e.order, u)
	case reflect.Int16:
		e.align(2)
		binary.Write(&e.data, e.order, int16(v.Int()))
	case reflect.Uint16:
		e.align(2)
		binary.Write(&e.data, e.order, uint16(v.Uint()))
	case reflect.Int32:
		e.align(4)
		binary.Write(&e.data, e.order, int32(v.Int()))
	case reflect.Uint32:
		e.align(4)
		binary.Write(&e.data, e.order, uint32(v.Uint()))
	case reflect.Int64:
		e.align(8)
		binary.Write(&e.data, e.order, v.Int())
	case reflect.Uint64:
		e.align(8)
		binary.Write(&e.data, e.order, v.Uint())
	case reflect.Float64:
		e.align(8)
		binary.Write(&e.data, e.order, v.Float())
	case reflect.String:
		s := v.String()
		if v.Type() == typeSignature {
			e.align(1)
			e.data.WriteByte(byte(len(s)))
		} else {
			e.align(4)
			binary.Write(&e.data, e.order, uint32(len(s)))
		}
		e.data.WriteString(s)
		e.data.WriteByte(0)
	case reflect.Array, reflect.Slice:
		elemSig, err := SignatureOf(v.Type().Elem())
		if err != nil {
			return err
		}
		e.align(4)
		start := e.data.Len() + e.offset + 4
		pad := (alignmentOf(elemSig[0]) - start%alignmentOf(elemSig[0])) % alignmentOf(elemSig[0])
		content := newEncoder(e.order, start+pad)
		for i := 0; i < v.Len(); i++ {
			if err := content.appendValue(v.Index(i)); err != nil {
				return err
			}
		}
		binary.Write(&e.data, e.order, uint32(content.data.Len()))
		e.data.Write(make([]byte, pad))
		e.data.Write(content.data.Bytes())
	case reflect.Map:
		e.align(4)
		start := e.data.Len() + e.offset + 4
		pad := (8 - start%8) % 8
		content := newEncoder(e.order, start+pad)
		for _, key := range v.MapKeys() {
			content.align(8)
			if err := content.appendValue(key); err != nil {
				return err
			}
			if err := content.appendValue(v.MapIndex(key)); err != nil {
				return err
			}
		}
		binary.Write(&e.data, e.order, uint32(content.data.Len()))
		e.data.Write(make([]byte, pad))
		e.data.Write(content.data.Bytes())
	case reflect.Struct:
		if v.Type() == typeVariant {
			variant := v.Interface().(Variant)
			inner := reflect.ValueOf(variant.Value)
			innerSig, err := SignatureOf(inner.Type())
			if err != nil {
				return err
			}
			saved := e.signature
			if err := e.appendValue(reflect.ValueOf(innerSig)); err != nil {
				return err
			}
			if err := e.appendValue(inner); err != nil {
				return err
			}
			e.signature = saved
			return nil
		}
		e.align(8)
		saved := e.signature
		for i := 0; i < v.NumField(); i++ {
			if err := e.appendValue(v.Field(i)); err != nil {
				return err
			}
		}
		e.signature = saved
	default:
		return fmt.Errorf("wire: cannot marshal %s", v.Type())
	}
	return nil
}

// decoder reads Go values back out of a DBus wire-format byte slice,
// mirroring encoder's alignment rules.
type decoder struct {
	data   []byte
	pos    int
	offset int
	order  binary.ByteOrder
}

func newDecoder(data []byte, order binary.ByteOrder, offset int) *decoder {
	return &decoder{data: data, order: order, offset: offset}
}

func (d *decoder) align(n int) {
	for (d.pos+d.offset)%n != 0 {
		d.pos++
	}
}

func (d *decoder) remaining() int { return len(d.data) - d.pos }

func (d *decoder) decode(sig Signature, out reflect.Value) error {
	rest, err := d.decodeValue(sig, out)
	if err != nil {
		return err
	}
	if rest != "" {
		return fmt.Errorf("wire: trailing signature %q after decoding %s", rest, out.Type())
	}
	return nil
}

// decodeValue decodes one complete type out of sig and returns the
// remainder of the signature. It is recursive so struct/array/dict/variant
// bodies can consume exactly the sub-signature that describes them.
func (d *decoder) decodeValue(sig Signature, out reflect.Value) (Signature, error) {
	if len(sig) == 0 {
		return "", fmt.Errorf("wire: empty signature")
	}
	for out.Kind() == reflect.Ptr {
		if out.IsNil() {
			out.Set(reflect.New(out.Type().Elem()))
		}
		out = out.Elem()
	}

	code := sig[0]
	rest := sig[1:]

	switch code {
	case 'y':
		if d.remaining() < 1 {
			return "", errShortRead
		}
		out.SetUint(uint64(d.data[d.pos]))
		d.pos++
	case 'b':
		d.align(4)
		if d.remaining() < 4 {
			return "", errShortRead
		}
		out.SetBool(d.order.Uint32(d.data[d.pos:]) != 0)
		d.pos += 4
	case 'n':
		d.align(2)
		if d.remaining() < 2 {
			return "", errShortRead
		}
		out.SetInt(int64(int16(d.order.Uint16(d.data[d.pos:]))))
		d.pos += 2
	case 'q':
		d.align(2)
		if d.remaining() < 2 {
			return "", errShortRead
		}
		out.SetUint(uint64(d.order.Uint16(d.data[d.pos:])))
		d.pos += 2
	case 'i':
		d.align(4)
		if d.remaining() < 4 {
			return "", errShortRead
		}
		out.SetInt(int64(int32(d.order.Uint32(d.data[d.pos:]))))
		d.pos += 4
	case 'u':
		d.align(4)
		if d.remaining() < 4 {
			return "", errShortRead
		}
		out.SetUint(uint64(d.order.Uint32(d.data[d.pos:])))
		d.pos += 4
	case 'x':
		d.align(8)
		if d.remaining() < 8 {
			return "", errShortRead
		}
		out.SetInt(int64(d.order.Uint64(d.data[d.pos:])))
		d.pos += 8
	case 't':
		d.align(8)
		if d.remaining() < 8 {
			return "", errShortRead
		}
		out.SetUint(d.order.Uint64(d.data[d.pos:]))
		d.pos += 8
	case 'd':
		d.align(8)
		if d.remaining() < 8 {
			return "", errShortRead
		}
		bits := d.order.Uint64(d.data[d.pos:])
		out.SetFloat(math.Float64frombits(bits))
		d.pos += 8
	case 's', 'o':
		d.align(4)
		if d.remaining() < 4 {
			return "", errShortRead
		}
		n := d.order.Uint32(d.data[d.pos:])
		d.pos += 4
		if d.remaining() < int(n)+1 {
			return "", errShortRead
		}
		s := string(d.data[d.pos : d.pos+int(n)])
		d.pos += int(n) + 1
		if out.Type() == typeSignature {
			out.SetString(s)
		} else if code == 'o' && out.Type() == reflect.TypeOf(ObjectPath("")) {
			out.SetString(s)
		} else {
			out.SetString(s)
		}
	case 'g':
		if d.remaining() < 1 {
			return "", errShortRead
		}
		n := int(d.data[d.pos])
		d.pos++
		if d.remaining() < n+1 {
			return "", errShortRead
		}
		s := string(d.data[d.pos : d.pos+n])
		d.pos += n + 1
		out.SetString(s)
	case 'a':
		if len(rest) == 0 {
			return "", fmt.Errorf("wire: truncated array signature")
		}
		elemSig, after, err := splitOne(rest)
		if err != nil {
			return "", err
		}
		rest = after
		d.align(4)
		if d.remaining() < 4 {
			return "", errShortRead
		}
		length := d.order.Uint32(d.data[d.pos:])
		d.pos += 4
		if elemSig[0] == '{' {
			d.align(8)
		} else {
			d.align(alignmentOf(elemSig[0]))
		}
		end := d.pos + int(length)
		if end > len(d.data) {
			return "", errShortRead
		}
		if elemSig[0] == '{' {
			if out.Kind() != reflect.Map {
				out.Set(reflect.MakeMap(out.Type()))
			} else if out.IsNil() {
				out.Set(reflect.MakeMap(out.Type()))
			}
			keyT := out.Type().Key()
			valT := out.Type().Elem()
			for d.pos < end {
				d.align(8)
				keyV := reflect.New(keyT).Elem()
				valV := reflect.New(valT).Elem()
				kvSig := elemSig[1 : len(elemSig)-1]
				ksig, after2, err := splitOne(kvSig)
				if err != nil {
					return "", err
				}
				if _, err := d.decodeValue(ksig, keyV); err != nil {
					return "", err
				}
				if _, err := d.decodeValue(after2, valV); err != nil {
					return "", err
				}
				out.SetMapIndex(keyV, valV)
			}
		} else {
			sliceT := out.Type()
			if sliceT.Kind() != reflect.Slice {
				return "", fmt.Errorf("wire: cannot decode array into %s", sliceT)
			}
			out.Set(reflect.MakeSlice(sliceT, 0, 0))
			for d.pos < end {
				elemV := reflect.New(sliceT.Elem()).Elem()
				if _, err := d.decodeValue(elemSig, elemV); err != nil {
					return "", err
				}
				out.Set(reflect.Append(out, elemV))
			}
		}
		d.pos = end
	case '(':
		d.align(8)
		structSig, after, err := splitStruct(sig)
		if err != nil {
			return "", err
		}
		rest = after
		if out.Kind() != reflect.Struct {
			return "", fmt.Errorf("wire: cannot decode struct into %s", out.Type())
		}
		body := structSig
		for i := 0; i < out.NumField(); i++ {
			var fsig Signature
			fsig, body, err = splitOne(body)
			if err != nil {
				return "", err
			}
			if _, err := d.decodeValue(fsig, out.Field(i)); err != nil {
				return "", err
			}
		}
	case 'v':
		d.align(1)
		if d.remaining() < 1 {
			return "", errShortRead
		}
		n := int(d.data[d.pos])
		d.pos++
		if d.remaining() < n+1 {
			return "", errShortRead
		}
		varSig := Signature(d.data[d.pos : d.pos+n])
		d.pos += n + 1
		val, err := d.decodeVariantValue(varSig)
		if err != nil {
			return "", err
		}
		out.Set(reflect.ValueOf(Variant{Value: val}))
	default:
		return "", fmt.Errorf("wire: unsupported type code %q", code)
	}

	return rest, nil
}

// decodeVariantValue decodes a self-describing variant body into a generic
// Go value (used since the destination Go type isn't known ahead of time).
func (d *decoder) decodeVariantValue(sig Signature) (interface{}, error) {
	t, err := goTypeFor(sig)
	if err != nil {
		return nil, err
	}
	v := reflect.New(t).Elem()
	if _, err := d.decodeValue(sig, v); err != nil {
		return nil, err
	}
	return v.Interface(), nil
}

func goTypeFor(sig Signature) (reflect.Type, error) {
	if len(sig) == 0 {
		return nil, fmt.Errorf("wire: empty variant signature")
	}
	switch sig[0] {
	case 'y':
		return reflect.TypeOf(byte(0)), nil
	case 'b':
		return reflect.TypeOf(false), nil
	case 'n':
		return reflect.TypeOf(int16(0)), nil
	case 'q':
		return reflect.TypeOf(uint16(0)), nil
	case 'i':
		return reflect.TypeOf(int32(0)), nil
	case 'u':
		return reflect.TypeOf(uint32(0)), nil
	case 'x':
		return reflect.TypeOf(int64(0)), nil
	case 't':
		return reflect.TypeOf(uint64(0)), nil
	case 'd':
		return reflect.TypeOf(float64(0)), nil
	case 's':
		return reflect.TypeOf(""), nil
	case 'o':
		return reflect.TypeOf(ObjectPath("")), nil
	case 'g':
		return reflect.TypeOf(Signature("")), nil
	case 'v':
		return reflect.TypeOf(Variant{}), nil
	case 'a':
		elemSig, _, err := splitOne(sig[1:])
		if err != nil {
			return nil, err
		}
		if elemSig[0] == '{' {
			kv := elemSig[1 : len(elemSig)-1]
			ksig, vsig, err := splitOne(kv)
			if err != nil {
				return nil, err
			}
			kt, err := goTypeFor(ksig)
			if err != nil {
				return nil, err
			}
			vt, err := goTypeFor(vsig)
			if err != nil {
				return nil, err
			}
			return reflect.MapOf(kt, vt), nil
		}
		et, err := goTypeFor(elemSig)
		if err != nil {
			return nil, err
		}
		return reflect.SliceOf(et), nil
	case '(':
		body := sig[1 : len(sig)-1]
		var fields []reflect.StructField
		i := 0
		for len(body) > 0 {
			var fsig Signature
			var err error
			fsig, body, err = splitOne(body)
			if err != nil {
				return nil, err
			}
			ft, err := goTypeFor(fsig)
			if err != nil {
				return nil, err
			}
			fields = append(fields, reflect.StructField{Name: fmt.Sprintf("F%d", i), Type: ft})
			i++
		}
		return reflect.StructOf(fields), nil
	}
	return nil, fmt.Errorf("wire: unsupported variant type code %q", sig[0])
}

// splitOne pulls the first complete type out of sig, returning it and the
// remainder.
func splitOne(sig Signature) (Signature, Signature, error) {
	if len(sig) == 0 {
		return "", "", fmt.Errorf("wire: empty signature")
	}
	switch sig[0] {
	case 'a':
		inner, rest, err := splitOne(sig[1:])
		if err != nil {
			return "", "", err
		}
		return Signature("a") + inner, rest, nil
	case '(':
		depth := 0
		for i, c := range sig {
			switch c {
			case '(':
				depth++
			case ')':
				depth--
				if depth == 0 {
					return sig[:i+1], sig[i+1:], nil
				}
			}
		}
		return "", "", fmt.Errorf("wire: unterminated struct signature %q", sig)
	case '{':
		depth := 0
		for i, c := range sig {
			switch c {
			case '{':
				depth++
			case '}':
				depth--
				if depth == 0 {
					return sig[:i+1], sig[i+1:], nil
				}
			}
		}
		return "", "", fmt.Errorf("wire: unterminated dict entry signature %q", sig)
	default:
		return sig[:1], sig[1:], nil
	}
}

func splitStruct(sig Signature) (Signature, Signature, error) {
	if len(sig) == 0 || sig[0] != '(' {
		return "", "", fmt.Errorf("wire: expected struct signature, got %q", sig)
	}
	full, rest, err := splitOne(sig)
	if err != nil {
		return "", "", err
	}
	return full[1 : len(full)-1], rest, nil
}

func alignmentOf(code byte) int {
	switch code {
	case 'y', 'g':
		return 1
	case 'n', 'q':
		return 2
	case 'b', 'i', 'u', 's', 'o', 'a':
		return 4
	case 'x', 't', 'd', '(', '{':
		return 8
	case 'v':
		return 1
	}
	return 1
}

var errShortRead = fmt.Errorf("wire: unexpected end of message body")
