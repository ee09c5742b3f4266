package converter

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docuglot/docuglot/internal/observability"
)

func TestNeedsPDFConversion(t *testing.T) {
	tests := []struct {
		path string
		want bool
	}{
		{"/tmp/report.pdf", false},
		{"/tmp/report.PDF", false},
		{"/tmp/report.docx", true},
		{"/tmp/report.DOCX", true},
		{"/tmp/report.odt", true},
		{"/tmp/slides.pptx", true},
		{"/tmp/notes.rtf", true},
		{"/tmp/image.png", false},
		{"/tmp/noext", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, NeedsPDFConversion(tt.path), tt.path)
	}
}

func TestConfigDefaults(t *testing.T) {
	c := New(Config{}, observability.NopLogger())
	assert.Equal(t, 85, c.cfg.JPEGQuality)
	assert.Equal(t, "soffice", c.cfg.SofficeBinary)
	assert.Equal(t, 2*time.Minute, c.cfg.SofficeTimeout)
}

func TestConvertToPDFMissingBinary(t *testing.T) {
	c := New(Config{SofficeBinary: "soffice-does-not-exist"}, observability.NopLogger())
	_, err := c.ConvertToPDF(context.Background(), "/tmp/report.docx", t.TempDir())
	require.Error(t, err)
}

func TestPageCountMissingFile(t *testing.T) {
	c := New(Config{}, observability.NopLogger())
	_, err := c.PageCount("/tmp/does-not-exist.pdf")
	require.Error(t, err)
}
