package dmarc

import (
	"archive/tar"
	"archive/zip"
	"bytes"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"iter"
	"mime"
	"path"
	"strings"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"

	"github.com/firefart/dmarcpipeline/internal/helper"
)

const (
	DefaultMaxSize  = 50 * 1024 * 1024
	DefaultMaxDepth = 4
)

var errTooLarge = errors.New("payload exceeds size limit")

// RawAttachment is one undecoded report pulled out of a mailbox item.
type RawAttachment struct {
	Format      Kind
	Filename    string
	ContentType string
	Data        []byte
	SourceID    string
}

type ExtractOptions struct {
	// MaxSize bounds every decompressed payload.
	MaxSize int64
	// MaxDepth bounds container nesting (zip in gzip in mail...).
	MaxDepth int
}

func (o ExtractOptions) withDefaults() ExtractOptions {
	if o.MaxSize <= 0 {
		o.MaxSize = DefaultMaxSize
	}
	if o.MaxDepth <= 0 {
		o.MaxDepth = DefaultMaxDepth
	}
	return o
}

// report-like attachments that we complain about when they cannot be read
var reportExtensions = []string{".xml", ".gz", ".gzip", ".zip", ".tar", ".tgz"}

var reportMediaTypes = map[string]bool{
	"application/xml":              true,
	"text/xml":                     true,
	"application/gzip":             true,
	"application/x-gzip":           true,
	"application/zip":              true,
	"application/x-zip":            true,
	"application/x-zip-compressed": true,
	"application/x-tar":            true,
	"application/octet-stream":     true,
}

// Extract walks a raw mailbox item and yields every report payload in it.
// Errors are per attachment: after yielding an error the sequence goes on
// with the remaining attachments. The sequence reads msg only, so calling
// Extract again starts over.
func Extract(sourceID string, msg []byte, opts ExtractOptions) iter.Seq2[RawAttachment, error] {
	return func(yield func(RawAttachment, error) bool) {
		x := &extractor{
			sourceID: sourceID,
			opts:     opts.withDefaults(),
			yield:    yield,
		}
		x.message(msg, "", 0)
		if !x.stopped && x.found == 0 && x.failed == 0 {
			x.emit(RawAttachment{}, &ExtractionError{Filename: sourceID, Err: ErrNoReport})
		}
	}
}

type extractor struct {
	sourceID string
	opts     ExtractOptions
	yield    func(RawAttachment, error) bool
	stopped  bool
	found    int
	failed   int
}

func (x *extractor) emit(a RawAttachment, err error) bool {
	if x.stopped {
		return false
	}
	if err != nil {
		x.failed++
	} else {
		a.SourceID = x.sourceID
		x.found++
	}
	if !x.yield(a, err) {
		x.stopped = true
	}
	return !x.stopped
}

func (x *extractor) fail(filename string, format string, args ...any) bool {
	return x.emit(RawAttachment{}, newExtractionError(filename, format, args...))
}

func isForensicMessage(data []byte) bool {
	head := data[:min(len(data), 64*1024)]
	return bytes.Contains(bytes.ToLower(head), []byte("message/feedback-report")) ||
		bytes.Contains(data, []byte(textReportMarker))
}

// message handles an RFC 5322 message, either the mailbox item itself or
// an embedded message/rfc822 part.
func (x *extractor) message(data []byte, name string, depth int) bool {
	if name == "" {
		name = x.sourceID
	}
	if depth > x.opts.MaxDepth {
		return x.fail(name, "nesting deeper than %d levels", x.opts.MaxDepth)
	}

	switch helper.Detect(data) {
	case helper.KindXML, helper.KindGzip, helper.KindZip, helper.KindTar:
		return x.payload(name, data, "", depth)
	}

	if isForensicMessage(data) {
		return x.emit(RawAttachment{
			Format:      KindForensic,
			Filename:    name,
			ContentType: "message/rfc822",
			Data:        data,
		}, nil)
	}

	mr, err := mail.CreateReader(bytes.NewReader(data))
	if err != nil && !message.IsUnknownCharset(err) {
		// not a mail at all, maybe a bare report
		return x.payload(name, data, "", depth)
	}
	defer mr.Close()

	for {
		p, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			return true
		} else if err != nil && !message.IsUnknownCharset(err) {
			return x.fail(name, "could not get next part: %w", err)
		}
		if p == nil {
			continue
		}

		var filename string
		attachment := false
		mediaType, params, _ := mime.ParseMediaType(p.Header.Get("Content-Type"))
		switch h := p.Header.(type) {
		case *mail.InlineHeader:
			// sometimes the report is inlined, so we keep the filename if there is one
			if _, dispParams, err := h.ContentDisposition(); err == nil {
				filename = dispParams["filename"]
			}
		case *mail.AttachmentHeader:
			attachment = true
			filename, _ = h.Filename()
		}
		if filename == "" {
			filename = params["name"]
		}
		if filename == "" {
			filename = fmt.Sprintf("%s#part", name)
		}

		body, err := readLimited(p.Body, x.opts.MaxSize)
		if err != nil {
			if !x.fail(filename, "could not read part: %w", err) {
				return false
			}
			continue
		}

		var ok bool
		if mediaType == "message/rfc822" {
			ok = x.message(body, filename, depth+1)
		} else {
			isReport := attachment || reportMediaTypes[mediaType] || hasReportExtension(filename)
			// any other inline part is message text unless it holds an
			// archive or a feedback document
			if !isReport && !helper.IsSupportedArchive(body) && !isFeedbackXML(body) {
				continue
			}
			ok = x.payload(filename, body, mediaType, depth)
		}
		if !ok {
			return false
		}
	}
}

// payload sniffs data and unpacks containers until it reaches XML. Content
// it does not recognize is an error.
func (x *extractor) payload(name string, data []byte, contentType string, depth int) bool {
	if depth > x.opts.MaxDepth {
		return x.fail(name, "nesting deeper than %d levels", x.opts.MaxDepth)
	}

	switch helper.Detect(data) {
	case helper.KindXML:
		return x.emit(RawAttachment{
			Format:      KindAggregate,
			Filename:    name,
			ContentType: "application/xml",
			Data:        data,
		}, nil)
	case helper.KindGzip:
		content, err := readGZ(data, x.opts.MaxSize)
		if err != nil {
			return x.fail(name, "%w", err)
		}
		inner := strings.TrimSuffix(strings.TrimSuffix(name, ".gz"), ".gzip")
		if strings.HasSuffix(inner, ".tgz") {
			inner = strings.TrimSuffix(inner, ".tgz") + ".tar"
		}
		return x.payload(inner, content, "", depth+1)
	case helper.KindZip:
		return x.zip(name, data, depth)
	case helper.KindTar:
		return x.tar(name, data, depth)
	case helper.KindMail:
		return x.message(data, name, depth+1)
	default:
		if contentType == "" {
			contentType = "unknown"
		}
		return x.fail(name, "unrecognized content (declared %s)", contentType)
	}
}

func (x *extractor) zip(name string, data []byte, depth int) bool {
	r, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return x.fail(name, "could not open zip: %w", err)
	}
	for _, f := range r.File {
		if f.FileInfo().IsDir() {
			continue
		}
		member := name + "/" + f.Name
		if f.UncompressedSize64 > uint64(x.opts.MaxSize) {
			if !x.fail(member, "%w", errTooLarge) {
				return false
			}
			continue
		}
		rc, err := f.Open()
		if err != nil {
			if !x.fail(member, "could not open file inside zip: %w", err) {
				return false
			}
			continue
		}
		content, err := readLimited(rc, x.opts.MaxSize)
		rc.Close()
		if err != nil {
			if !x.fail(member, "could not read file inside zip: %w", err) {
				return false
			}
			continue
		}
		if !x.payload(path.Base(f.Name), content, "", depth+1) {
			return false
		}
	}
	return true
}

func (x *extractor) tar(name string, data []byte, depth int) bool {
	tr := tar.NewReader(bytes.NewReader(data))
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return true
		} else if err != nil {
			return x.fail(name, "could not read tar: %w", err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		content, err := readLimited(tr, x.opts.MaxSize)
		if err != nil {
			if !x.fail(name+"/"+hdr.Name, "%w", err) {
				return false
			}
			continue
		}
		if !x.payload(path.Base(hdr.Name), content, "", depth+1) {
			return false
		}
	}
}

func readGZ(content []byte, maxSize int64) ([]byte, error) {
	gz, err := gzip.NewReader(bytes.NewReader(content))
	if err != nil {
		return nil, fmt.Errorf("could not gzip read: %w", err)
	}
	defer gz.Close()

	out, err := readLimited(gz, maxSize)
	if err != nil {
		return nil, fmt.Errorf("could not read: %w", err)
	}
	return out, nil
}

func readLimited(r io.Reader, maxSize int64) ([]byte, error) {
	b, err := io.ReadAll(io.LimitReader(r, maxSize+1))
	if err != nil {
		return nil, err
	}
	if int64(len(b)) > maxSize {
		return nil, errTooLarge
	}
	return b, nil
}

// isFeedbackXML reports whether data is XML with a feedback root element.
func isFeedbackXML(data []byte) bool {
	if helper.Detect(data) != helper.KindXML {
		return false
	}
	return bytes.Contains(data[:min(len(data), 1024)], []byte("<feedback"))
}

func hasReportExtension(filename string) bool {
	lower := strings.ToLower(filename)
	for _, ext := range reportExtensions {
		if strings.HasSuffix(lower, ext) {
			return true
		}
	}
	return false
}
