package attachment

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/gabriel-vasile/mimetype"

	"portal/internal/models"
)

var (
	ErrExecutableFile = errors.New("executable files are not allowed")
	ErrDisallowedType = errors.New("disallowed attachment mime type")
	ErrInvalidPayload = errors.New("invalid attachment payload")
	ErrTooManyFiles   = errors.New("too many attachments")
)

// OversizedError is returned for a file whose size exceeds the codec ceiling.
// Its message is meant to be shown to the person who attached the file.
type OversizedError struct {
	FileName  string
	SizeBytes int64
	Limit     int64
}

func (e *OversizedError) Error() string {
	return fmt.Sprintf("%s is %s, which exceeds the %s attachment limit",
		e.FileName, humanize.IBytes(uint64(e.SizeBytes)), humanize.IBytes(uint64(e.Limit)))
}

// File is a raw attachment selected by the user.
type File struct {
	Name string
	Data []byte
}

// Resource is a decoded attachment ready to be rendered or downloaded.
type Resource struct {
	FileName string
	MimeType string
	Data     []byte
}

// DataURI renders the resource inline, the form views use for previews.
func (r *Resource) DataURI() string {
	return "data:" + r.MimeType + ";base64," + base64.StdEncoding.EncodeToString(r.Data)
}

// Codec converts attachment bytes to and from their transportable form.
// It holds no state besides its limits and is safe for concurrent use.
type Codec struct {
	maxBytes int64
	maxFiles int
}

func NewCodec(maxBytes int64, maxFiles int) (*Codec, error) {
	if maxBytes <= 0 {
		return nil, fmt.Errorf("max attachment bytes must be > 0")
	}
	if maxFiles <= 0 {
		return nil, fmt.Errorf("max attachments per message must be > 0")
	}
	return &Codec{maxBytes: maxBytes, maxFiles: maxFiles}, nil
}

func (c *Codec) MaxBytes() int64 {
	return c.maxBytes
}

// Check rejects a file by its declared size before any bytes are read.
func (c *Codec) Check(name string, sizeBytes int64) error {
	if sizeBytes > c.maxBytes {
		return &OversizedError{FileName: sanitizeFileName(name), SizeBytes: sizeBytes, Limit: c.maxBytes}
	}
	return nil
}

func (c *Codec) Encode(f File) (models.Attachment, error) {
	if err := c.Check(f.Name, int64(len(f.Data))); err != nil {
		return models.Attachment{}, err
	}
	return c.encode(sanitizeFileName(f.Name), f.Data)
}

// EncodeReader reads at most the ceiling plus one byte from src so oversized
// streams are rejected without being buffered in full.
func (c *Codec) EncodeReader(name string, src io.Reader) (models.Attachment, error) {
	data, err := io.ReadAll(io.LimitReader(src, c.maxBytes+1))
	if err != nil {
		return models.Attachment{}, fmt.Errorf("reading attachment data: %w", err)
	}
	if int64(len(data)) > c.maxBytes {
		// Only a lower bound is known here.
		return models.Attachment{}, &OversizedError{FileName: sanitizeFileName(name), SizeBytes: int64(len(data)), Limit: c.maxBytes}
	}
	return c.encode(sanitizeFileName(name), data)
}

// EncodeAll encodes each file independently. Files that fail are left out of
// the returned list and reported together in the joined error, so one bad
// file never blocks the rest of the message.
func (c *Codec) EncodeAll(files []File) ([]models.Attachment, error) {
	if len(files) > c.maxFiles {
		return nil, fmt.Errorf("%w: %d files, at most %d allowed", ErrTooManyFiles, len(files), c.maxFiles)
	}

	var errs []error
	out := make([]models.Attachment, 0, len(files))
	for _, f := range files {
		a, err := c.Encode(f)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		out = append(out, a)
	}
	return out, errors.Join(errs...)
}

func (c *Codec) Decode(a models.Attachment) (*Resource, error) {
	data, err := base64.StdEncoding.DecodeString(a.EncodedPayload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if int64(len(data)) > c.maxBytes {
		return nil, &OversizedError{FileName: a.FileName, SizeBytes: int64(len(data)), Limit: c.maxBytes}
	}
	if a.SizeBytes != 0 && a.SizeBytes != int64(len(data)) {
		return nil, fmt.Errorf("%w: size %d does not match payload length %d", ErrInvalidPayload, a.SizeBytes, len(data))
	}

	mimeType := a.MimeType
	if mimeType == "" {
		mimeType = detectMimeType(data)
	}

	return &Resource{
		FileName: sanitizeFileName(a.FileName),
		MimeType: mimeType,
		Data:     data,
	}, nil
}

// Validate checks an already-encoded attachment received from a client.
func (c *Codec) Validate(a models.Attachment) (models.Attachment, error) {
	res, err := c.Decode(a)
	if err != nil {
		return models.Attachment{}, err
	}
	return c.encode(res.FileName, res.Data)
}

func (c *Codec) encode(name string, data []byte) (models.Attachment, error) {
	if isExecutableSignature(data) {
		return models.Attachment{}, ErrExecutableFile
	}

	mimeType := detectMimeType(data)
	if !isAllowedMimeType(mimeType) {
		return models.Attachment{}, ErrDisallowedType
	}

	return models.Attachment{
		FileName:       name,
		MimeType:       mimeType,
		SizeBytes:      int64(len(data)),
		EncodedPayload: base64.StdEncoding.EncodeToString(data),
	}, nil
}

func sanitizeFileName(name string) string {
	name = strings.TrimSpace(filepath.Base(filepath.FromSlash(name)))
	if name == "" || name == "." || name == string(filepath.Separator) {
		return "attachment.bin"
	}
	if len(name) > 255 {
		return name[:255]
	}
	return name
}

func detectMimeType(data []byte) string {
	if len(data) == 0 {
		return "application/octet-stream"
	}
	mt := mimetype.Detect(data).String()
	if idx := strings.Index(mt, ";"); idx != -1 {
		mt = mt[:idx]
	}
	return strings.TrimSpace(mt)
}

func isExecutableSignature(sniff []byte) bool {
	if len(sniff) < 2 {
		return false
	}

	if sniff[0] == 'M' && sniff[1] == 'Z' {
		return true // PE/COFF (Windows)
	}
	if len(sniff) >= 4 {
		if bytes.Equal(sniff[:4], []byte{0x7f, 'E', 'L', 'F'}) {
			return true
		}

		machoMagics := [][]byte{
			{0xfe, 0xed, 0xfa, 0xce},
			{0xce, 0xfa, 0xed, 0xfe},
			{0xfe, 0xed, 0xfa, 0xcf},
			{0xcf, 0xfa, 0xed, 0xfe},
			{0xca, 0xfe, 0xba, 0xbe},
		}
		for _, magic := range machoMagics {
			if bytes.Equal(sniff[:4], magic) {
				return true
			}
		}
	}

	return sniff[0] == '#' && sniff[1] == '!'
}

var disallowedMimeTypes = map[string]struct{}{
	"image/svg+xml":            {},
	"text/html":                {},
	"application/xhtml+xml":    {},
	"application/javascript":   {},
	"text/javascript":          {},
	"application/x-javascript": {},
	"application/x-sh":         {},
	"application/x-msdownload": {},
	"application/x-executable": {},
}

func isAllowedMimeType(mimeType string) bool {
	mimeType = strings.ToLower(strings.TrimSpace(mimeType))
	if mimeType == "" {
		return false
	}
	_, blocked := disallowedMimeTypes[mimeType]
	return !blocked
}
