package cdp

import (
	"fmt"
	"strings"

	"github.com/chromedp/cdproto/page"

	"github.com/entrhq/browseract/pkg/browser"
)

// paperSizes maps named formats to width and height in inches.
var paperSizes = map[string][2]float64{
	"letter":  {8.5, 11},
	"legal":   {8.5, 14},
	"tabloid": {11, 17},
	"ledger":  {17, 11},
	"a0":      {33.1, 46.8},
	"a1":      {23.4, 33.1},
	"a2":      {16.54, 23.4},
	"a3":      {11.7, 16.54},
	"a4":      {8.27, 11.7},
	"a5":      {5.83, 8.27},
	"a6":      {4.13, 5.83},
}

// printParams converts PDF options into Page.printToPDF parameters. CDP wants
// inches where Playwright accepts CSS lengths, so margins are converted.
func printParams(opts browser.PDFOptions) (*page.PrintToPDFParams, error) {
	size, ok := paperSizes[strings.ToLower(opts.Format)]
	if !ok {
		return nil, fmt.Errorf("%w: unknown paper format %q", browser.ErrDriverUnsupported, opts.Format)
	}

	params := page.PrintToPDF().
		WithPaperWidth(size[0]).
		WithPaperHeight(size[1]).
		WithPrintBackground(opts.PrintBackground)

	if opts.Landscape != nil {
		params = params.WithLandscape(*opts.Landscape)
	}
	if opts.PreferCSSPageSize != nil {
		params = params.WithPreferCSSPageSize(*opts.PreferCSSPageSize)
	}
	if opts.DisplayHeaderFooter != nil {
		params = params.WithDisplayHeaderFooter(*opts.DisplayHeaderFooter)
	}
	if opts.HeaderTemplate != nil {
		params = params.WithHeaderTemplate(*opts.HeaderTemplate)
	}
	if opts.FooterTemplate != nil {
		params = params.WithFooterTemplate(*opts.FooterTemplate)
	}

	if m := opts.Margin; m != nil {
		sides := []struct {
			value string
			field *float64
		}{
			{m.Top, &params.MarginTop},
			{m.Right, &params.MarginRight},
			{m.Bottom, &params.MarginBottom},
			{m.Left, &params.MarginLeft},
		}
		for _, side := range sides {
			if side.value == "" {
				continue
			}
			in, err := browser.LengthInches(side.value)
			if err != nil {
				return nil, err
			}
			*side.field = in
		}
	}
	return params, nil
}
