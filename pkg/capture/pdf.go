package capture

import (
	"bytes"
	"fmt"
	"sync"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
)

var disableConfigDir sync.Once

// pdfConfig returns a relaxed pdfcpu configuration that never touches the
// user's pdfcpu config directory.
func pdfConfig() *model.Configuration {
	disableConfigDir.Do(api.DisableConfigDir)
	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed
	return conf
}

// PageCount validates a PDF document and returns its number of pages.
func PageCount(doc []byte) (int, error) {
	if err := api.Validate(bytes.NewReader(doc), pdfConfig()); err != nil {
		return 0, fmt.Errorf("rendered document is not a valid PDF: %w", err)
	}
	n, err := api.PageCount(bytes.NewReader(doc), pdfConfig())
	if err != nil {
		return 0, fmt.Errorf("failed to count PDF pages: %w", err)
	}
	return n, nil
}
