package bytes

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"reflect"
	"unicode/utf8"
)

// CString returns the contents of b up to (not including) the first NUL byte.
// If b holds no NUL the whole slice is used.
func CString(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		return string(b[:i])
	}
	return string(b)
}

// PutCString copies s into dst followed by a NUL terminator and zeroes the rest of
// dst. Strings that don't fit are truncated on a rune boundary so that at least one
// terminating NUL always remains. Returns the number of string bytes copied.
func PutCString(dst []byte, s string) int {
	if len(dst) == 0 {
		return 0
	}

	n := len(s)
	if n > len(dst)-1 {
		n = len(dst) - 1
		for n > 0 && !utf8.RuneStart(s[n]) {
			n--
		}
	}

	copy(dst, s[:n])
	for i := n; i < len(dst); i++ {
		dst[i] = 0
	}
	return n
}

// AppendCString returns s as a NUL-terminated byte slice.
func AppendCString(s string) []byte {
	b := make([]byte, len(s)+1)
	copy(b, s)
	return b
}

// BytesFromStruct serializes the fields of a struct to an array of bytes in network
// byte order in the order in which the fields are declared and returns total number
// of bytes converted. Returns an error if data is not a struct or pointer to struct,
// or if there was an error writing a field.
func BytesFromStruct(data interface{}) ([]byte, int, error) {
	val := reflect.ValueOf(data)
	valKind := val.Kind()

	if valKind == reflect.Ptr {
		val = reflect.ValueOf(data).Elem()
		valKind = val.Kind()
	}

	if valKind != reflect.Struct {
		return nil, 0, fmt.Errorf("BytesFromStruct(): data must be of type struct "+
			"or ptr to struct, got: %s", valKind)
	}

	convertedBytes := new(bytes.Buffer)
	// It's possible to use binary.Write on val.Interface itself, but doing
	// so prevents this function from working with nested structs.
	for i := 0; i < val.NumField(); i++ {
		field := val.Field(i)

		var err error
		switch kind := field.Kind(); kind {
		case reflect.Struct, reflect.Ptr:
			var b []byte
			b, _, err = BytesFromStruct(field.Interface())
			if err == nil {
				_, err = convertedBytes.Write(b)
			}
		default:
			err = binary.Write(convertedBytes, binary.BigEndian, field.Interface())
		}
		if err != nil {
			return nil, 0, fmt.Errorf("BytesFromStruct(): field %d: %w", i, err)
		}
	}
	return convertedBytes.Bytes(), convertedBytes.Len(), nil
}

// StructFromBytes populates the struct pointed to by targetStruct by reading in a
// stream of network byte order data and filling the values in sequential order.
func StructFromBytes(data []byte, targetStruct interface{}) error {
	targetVal := reflect.ValueOf(targetStruct)

	if valKind := targetVal.Kind(); valKind != reflect.Ptr {
		return fmt.Errorf("StructFromBytes(): targetStruct must be a "+
			"ptr to struct, got: %s", valKind)
	}

	reader := bytes.NewReader(data)
	val := targetVal.Elem()

	for i := 0; i < val.NumField(); i++ {
		field := val.Field(i)

		if err := binary.Read(reader, binary.BigEndian, field.Addr().Interface()); err != nil {
			return fmt.Errorf("StructFromBytes(): field %d: %w", i, err)
		}
	}
	return nil
}
