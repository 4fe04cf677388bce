// Package pdf counts pages and reverses page order using pdfcpu.
//
// Reversal exists because the target printer stacks output face-up;
// printing back-to-front makes page 1 land on top of the stack.
package pdf

import (
	"fmt"
	"strconv"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
)

// Transformer performs file-to-file PDF operations.
type Transformer struct {
	conf *model.Configuration
}

// NewTransformer returns a Transformer with relaxed validation, so
// slightly malformed resident uploads still process.
func NewTransformer() *Transformer {
	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed
	return &Transformer{conf: conf}
}

// CountPages returns the number of pages in the PDF at path.
func (t *Transformer) CountPages(path string) (int, error) {
	n, err := api.PageCountFile(path)
	if err != nil {
		return 0, fmt.Errorf("counting pages of %s: %w", path, err)
	}
	return n, nil
}

// Reverse writes the PDF at src to dst with its pages in back-to-front
// order. Encrypted or corrupt input fails; the caller may still
// dispatch the original.
func (t *Transformer) Reverse(src, dst string) error {
	n, err := api.PageCountFile(src)
	if err != nil {
		return fmt.Errorf("counting pages of %s: %w", src, err)
	}
	if n < 1 {
		return fmt.Errorf("reversing %s: no pages", src)
	}

	pages := make([]string, 0, n)
	for i := n; i >= 1; i-- {
		pages = append(pages, strconv.Itoa(i))
	}

	if err := api.CollectFile(src, dst, pages, t.conf); err != nil {
		return fmt.Errorf("reversing %s: %w", src, err)
	}
	return nil
}
