// Package sites collects the workflow definitions of every supported site.
package sites

import (
	"github.com/JakeFAU/catalog-crawler/internal/sites/authortoday"
	"github.com/JakeFAU/catalog-crawler/internal/sites/status"
	"github.com/JakeFAU/catalog-crawler/internal/workflow"
)

// Definitions returns all built-in workflows.
func Definitions() []workflow.Definition {
	defs := authortoday.Definitions()
	defs = append(defs, status.Definition())
	return defs
}
