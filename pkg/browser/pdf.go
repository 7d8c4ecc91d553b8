package browser

import "strings"

// buildPDFOptions assembles the driver request from a CapturePDF. Only
// fields the caller set are carried over; Format and PrintBackground are
// always present with their defaults.
func buildPDFOptions(r CapturePDF) PDFOptions {
	opts := PDFOptions{
		Format:          DefaultPDFFormat,
		PrintBackground: true,
	}
	if f := strings.TrimSpace(r.Format); f != "" {
		opts.Format = f
	}
	if r.PrintBackground != nil {
		opts.PrintBackground = *r.PrintBackground
	}
	if r.Margin != nil && !r.Margin.IsZero() {
		m := *r.Margin
		opts.Margin = &m
	}
	if r.DisplayHeaderFooter != nil {
		opts.DisplayHeaderFooter = BoolPtr(*r.DisplayHeaderFooter)
	}
	if r.HeaderTemplate != nil && *r.HeaderTemplate != "" {
		opts.HeaderTemplate = StringPtr(*r.HeaderTemplate)
	}
	if r.FooterTemplate != nil && *r.FooterTemplate != "" {
		opts.FooterTemplate = StringPtr(*r.FooterTemplate)
	}
	if r.PreferCSSPageSize != nil {
		opts.PreferCSSPageSize = BoolPtr(*r.PreferCSSPageSize)
	}
	if r.Landscape != nil {
		opts.Landscape = BoolPtr(*r.Landscape)
	}
	return opts
}

// checkPDFSupport rejects engines and modes that cannot print to PDF.
// Page.pdf is implemented by headless Chromium only.
func checkPDFSupport(cfg LaunchConfig) *Failure {
	if cfg.Engine != EngineChromium {
		return newFailure(KindUnsupportedInEngine, nil, "PDF capture is not supported by %s", cfg.Engine)
	}
	if !cfg.Headless {
		return newFailure(KindUnsupportedInEngine, nil, "PDF capture requires headless mode")
	}
	return nil
}
