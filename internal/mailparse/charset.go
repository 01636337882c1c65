package mailparse

import (
	"bytes"
	"io"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/ianaindex"
	"golang.org/x/text/transform"
)

// decodeCharset converts body bytes to UTF-8. Unknown charsets and invalid
// byte sequences fall back to Latin-1 so a bad label never loses content.
func decodeCharset(data []byte, charset string) []byte {
	charset = strings.ToLower(strings.TrimSpace(charset))

	switch charset {
	case "", "utf-8", "utf8", "ascii", "us-ascii":
		if utf8.Valid(data) {
			return data
		}
		return latin1ToUTF8(data)
	}

	enc := lookupEncoding(charset)
	if enc == nil {
		if utf8.Valid(data) {
			return data
		}
		return latin1ToUTF8(data)
	}

	decoded, _, err := transform.Bytes(enc.NewDecoder(), data)
	if err != nil {
		return latin1ToUTF8(data)
	}
	return decoded
}

func lookupEncoding(charset string) encoding.Encoding {
	switch charset {
	case "latin1", "latin-1":
		return charmap.ISO8859_1
	}
	enc, err := ianaindex.IANA.Encoding(charset)
	if err != nil {
		return nil
	}
	return enc
}

// latin1ToUTF8 reinterprets bytes as ISO-8859-1, which maps every byte to a
// valid code point.
func latin1ToUTF8(data []byte) []byte {
	decoded, _, err := transform.Bytes(charmap.ISO8859_1.NewDecoder(), data)
	if err != nil {
		return data
	}
	return decoded
}

// charsetReader lets the RFC 2047 word decoder handle the same charset set
// as body decoding.
func charsetReader(charset string, input io.Reader) (io.Reader, error) {
	data, err := io.ReadAll(input)
	if err != nil {
		return nil, err
	}
	return bytes.NewReader(decodeCharset(data, charset)), nil
}
