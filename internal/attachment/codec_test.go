package attachment

import (
	"bytes"
	"errors"
	"image"
	"image/color"
	"image/png"
	"strings"
	"testing"

	"portal/internal/models"
)

const mib = 1 << 20

func newTestCodec(t *testing.T) *Codec {
	t.Helper()

	codec, err := NewCodec(10*mib, 5)
	if err != nil {
		t.Fatalf("NewCodec() error = %v", err)
	}
	return codec
}

func TestEncodeDecodeRoundTripsPNG(t *testing.T) {
	codec := newTestCodec(t)

	img := image.NewRGBA(image.Rect(0, 0, 1, 1))
	img.Set(0, 0, color.RGBA{R: 255, A: 255})
	buf := bytes.NewBuffer(nil)
	if err := png.Encode(buf, img); err != nil {
		t.Fatalf("png.Encode() error = %v", err)
	}

	encoded, err := codec.Encode(File{Name: "dir/avatar.png", Data: buf.Bytes()})
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	if encoded.MimeType != "image/png" {
		t.Fatalf("MimeType = %q, want image/png", encoded.MimeType)
	}
	if encoded.FileName != "avatar.png" {
		t.Fatalf("FileName = %q, want avatar.png", encoded.FileName)
	}
	if encoded.SizeBytes != int64(buf.Len()) {
		t.Fatalf("SizeBytes = %d, want %d", encoded.SizeBytes, buf.Len())
	}

	res, err := codec.Decode(encoded)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if !bytes.Equal(res.Data, buf.Bytes()) {
		t.Fatal("Decode() data does not match original bytes")
	}
	if !strings.HasPrefix(res.DataURI(), "data:image/png;base64,") {
		t.Fatalf("DataURI() = %q, want image/png data URI", res.DataURI()[:30])
	}
}

func TestEncodeRejectsOversizedFileByName(t *testing.T) {
	codec := newTestCodec(t)

	_, err := codec.Encode(File{Name: "scan.pdf", Data: make([]byte, 11*mib)})

	var oversized *OversizedError
	if !errors.As(err, &oversized) {
		t.Fatalf("Encode() error = %v, want *OversizedError", err)
	}
	if oversized.FileName != "scan.pdf" {
		t.Fatalf("FileName = %q, want scan.pdf", oversized.FileName)
	}
	if !strings.Contains(err.Error(), "scan.pdf") || !strings.Contains(err.Error(), "11 MiB") {
		t.Fatalf("Error() = %q, want file name and size", err.Error())
	}
}

func TestEncodeAllKeepsAcceptedFiles(t *testing.T) {
	codec := newTestCodec(t)

	files := []File{
		{Name: "notes.txt", Data: []byte("homework notes")},
		{Name: "huge.bin", Data: make([]byte, 11*mib)},
		{Name: "data.bin", Data: []byte{0x00, 0x01, 0x02, 0x03}},
	}

	accepted, err := codec.EncodeAll(files)
	if err == nil {
		t.Fatal("EncodeAll() error = nil, want oversized error")
	}
	var oversized *OversizedError
	if !errors.As(err, &oversized) || oversized.FileName != "huge.bin" {
		t.Fatalf("EncodeAll() error = %v, want oversized huge.bin", err)
	}
	if len(accepted) != 2 {
		t.Fatalf("len(accepted) = %d, want 2", len(accepted))
	}
	for _, a := range accepted {
		if a.FileName == "huge.bin" {
			t.Fatal("oversized file present in accepted list")
		}
	}
}

func TestEncodeAllRejectsTooManyFiles(t *testing.T) {
	codec := newTestCodec(t)

	files := make([]File, 6)
	for i := range files {
		files[i] = File{Name: "f.txt", Data: []byte("x")}
	}
	if _, err := codec.EncodeAll(files); !errors.Is(err, ErrTooManyFiles) {
		t.Fatalf("EncodeAll() error = %v, want ErrTooManyFiles", err)
	}
}

func TestEncodeRejectsExecutables(t *testing.T) {
	codec := newTestCodec(t)

	_, err := codec.Encode(File{Name: "setup.png", Data: []byte("MZ\x90\x00\x03\x00")})
	if !errors.Is(err, ErrExecutableFile) {
		t.Fatalf("Encode() error = %v, want ErrExecutableFile", err)
	}
}

func TestEncodeReaderStopsAtCeiling(t *testing.T) {
	codec, err := NewCodec(1024, 1)
	if err != nil {
		t.Fatalf("NewCodec() error = %v", err)
	}

	_, err = codec.EncodeReader("big.txt", bytes.NewReader(bytes.Repeat([]byte{'a'}, 4096)))
	var oversized *OversizedError
	if !errors.As(err, &oversized) {
		t.Fatalf("EncodeReader() error = %v, want *OversizedError", err)
	}
}

func TestDecodeRejectsBadPayload(t *testing.T) {
	codec := newTestCodec(t)

	tests := []struct {
		name    string
		payload string
		size    int64
	}{
		{name: "not_base64", payload: "%%%", size: 0},
		{name: "size_mismatch", payload: "aGVsbG8=", size: 99},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := codec.Decode(modelsAttachment(tt.payload, tt.size))
			if !errors.Is(err, ErrInvalidPayload) {
				t.Fatalf("Decode() error = %v, want ErrInvalidPayload", err)
			}
		})
	}
}

func modelsAttachment(payload string, size int64) models.Attachment {
	return models.Attachment{FileName: "f.txt", MimeType: "text/plain", SizeBytes: size, EncodedPayload: payload}
}
