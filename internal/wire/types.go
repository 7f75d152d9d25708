// Package wire implements the in-memory representation and marshalling of
// DBus-compatible messages, extended with the daemon-to-daemon header
// fields this bus needs (timestamp, time-to-live, compression token,
// session id). The byte-level codec is a supporting collaborator for the
// router and endpoint packages, not the focus of this module: it covers
// the subset of the DBus type system the control-plane and application
// messages in this daemon actually use.
package wire

import (
	"errors"
	"reflect"
)

var (
	typeHasObjectPath  = reflect.TypeOf((*HasObjectPath)(nil)).Elem()
	typeVariant        = reflect.TypeOf(Variant{})
	typeSignature      = reflect.TypeOf(Signature(""))
	typeBlankInterface = reflect.TypeOf((*interface{})(nil)).Elem()
)

// Signature is a DBus type signature string, e.g. "sas" or "a(sas)".
type Signature string

// ObjectPath is a DBus object path, e.g. "/org/freedesktop/DBus".
type ObjectPath string

// HasObjectPath is implemented by types that marshal as an object path.
type HasObjectPath interface {
	GetObjectPath() ObjectPath
}

func (o ObjectPath) GetObjectPath() ObjectPath { return o }

// Variant wraps a value whose signature is carried alongside it on the wire.
type Variant struct {
	Value interface{}
}

// SignatureOf infers a Signature for a Go type, mirroring the subset of the
// DBus type system this daemon marshals.
func SignatureOf(t reflect.Type) (Signature, error) {
	if t.AssignableTo(typeHasObjectPath) {
		return Signature("o"), nil
	}
	switch t.Kind() {
	case reflect.Uint8:
		return Signature("y"), nil
	case reflect.Bool:
		return Signature("b"), nil
	case reflect.Int16:
		return Signature("n"), nil
	case reflect.Uint16:
		return Signature("q"), nil
	case reflect.Int32:
		return Signature("i"), nil
	case reflect.Uint32:
		return Signature("u"), nil
	case reflect.Int64:
		return Signature("x"), nil
	case reflect.Uint64:
		return Signature("t"), nil
	case reflect.Float64:
		return Signature("d"), nil
	case reflect.String:
		if t == typeSignature {
			return Signature("g"), nil
		}
		return Signature("s"), nil
	case reflect.Array, reflect.Slice:
		elemSig, err := SignatureOf(t.Elem())
		if err != nil {
			return "", err
		}
		return Signature("a") + elemSig, nil
	case reflect.Map:
		keySig, err := SignatureOf(t.Key())
		if err != nil {
			return "", err
		}
		valSig, err := SignatureOf(t.Elem())
		if err != nil {
			return "", err
		}
		return Signature("a{") + keySig + valSig + Signature("}"), nil
	case reflect.Struct:
		if t == typeVariant {
			return Signature("v"), nil
		}
		sig := Signature("(")
		for i := 0; i < t.NumField(); i++ {
			fieldSig, err := SignatureOf(t.Field(i).Type)
			if err != nil {
				return "", err
			}
			sig += fieldSig
		}
		return sig + Signature(")"), nil
	case reflect.Ptr:
		return SignatureOf(t.Elem())
	}
	return "", errors.New("wire: cannot determine signature for " + t.String())
}

// Error is a DBus-style named error, used both for wire errors and for
// synthesized replies (e.g. ServiceUnknown).
type Error struct {
	Name    string
	Message string
}

func (e *Error) Error() string { return e.Name + ": " + e.Message }

// NewError builds an *Error, the form used when synthesizing error replies.
func NewError(name, message string) *Error {
	return &Error{Name: name, Message: message}
}
