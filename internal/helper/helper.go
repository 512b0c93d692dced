package helper

import (
	"bytes"
)

// Kind is the container or document type detected from leading bytes.
type Kind int

const (
	KindUnknown Kind = iota
	KindGzip
	KindZip
	KindTar
	KindXML
	KindMail
)

func (k Kind) String() string {
	switch k {
	case KindGzip:
		return "gzip"
	case KindZip:
		return "zip"
	case KindTar:
		return "tar"
	case KindXML:
		return "xml"
	case KindMail:
		return "mail"
	default:
		return "unknown"
	}
}

// https://en.wikipedia.org/wiki/List_of_file_signatures
var magicTable = []struct {
	magic []byte
	kind  Kind
}{
	{[]byte{31, 139}, KindGzip},      // .gz "\x1f\x8b"
	{[]byte{80, 75, 3, 4}, KindZip},  // .zip "\x50\x4B\x03\x04"
	{[]byte{80, 75, 5, 6}, KindZip},  // .zip "\x50\x4B\x05\x06"
	{[]byte{80, 75, 7, 8}, KindZip},  // .zip "\x50\x4B\x07\x08"
}

// ustar magic lives at offset 257 of the first header block
var tarMagic = []byte("ustar")

const tarMagicOffset = 257

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// mail headers we expect near the top of an RFC 5322 message
var mailHeaders = [][]byte{
	[]byte("received:"),
	[]byte("return-path:"),
	[]byte("from:"),
	[]byte("message-id:"),
	[]byte("mime-version:"),
	[]byte("date:"),
	[]byte("subject:"),
	[]byte("content-type:"),
	[]byte("delivered-to:"),
	[]byte("x-"),
	[]byte("arc-"),
	[]byte("dkim-signature:"),
	[]byte("authentication-results:"),
}

// Detect sniffs the format of content from its leading bytes.
func Detect(content []byte) Kind {
	sliceEnd := min(len(content), 10)
	head := content[0:sliceEnd]

	for _, m := range magicTable {
		if bytes.HasPrefix(head, m.magic) {
			return m.kind
		}
	}

	if len(content) >= tarMagicOffset+len(tarMagic) &&
		bytes.Equal(content[tarMagicOffset:tarMagicOffset+len(tarMagic)], tarMagic) {
		return KindTar
	}

	trimmed := bytes.TrimLeft(bytes.TrimPrefix(content, utf8BOM), " \t\r\n")
	if bytes.HasPrefix(trimmed, []byte("<")) {
		return KindXML
	}

	lowerHead := bytes.ToLower(trimmed[:min(len(trimmed), 64)])
	for _, h := range mailHeaders {
		if bytes.HasPrefix(lowerHead, h) {
			return KindMail
		}
	}

	return KindUnknown
}

// IsSupportedArchive reports whether content starts with a compressed
// container signature.
func IsSupportedArchive(content []byte) bool {
	switch Detect(content) {
	case KindGzip, KindZip, KindTar:
		return true
	default:
		return false
	}
}
