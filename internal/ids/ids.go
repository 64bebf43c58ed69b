// Package ids generates prefixed entity identifiers.
package ids

import (
	"strings"

	"github.com/google/uuid"
)

// New returns a unique ID with the given prefix, e.g. "sub_" or "inv_".
func New(prefix string) string {
	return prefix + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// NewSubscription returns a subscription ID.
func NewSubscription() string { return New("sub_") }

// NewInvoice returns an invoice ID.
func NewInvoice() string { return New("inv_") }

// NewAddon returns an addon purchase ID.
func NewAddon() string { return New("addon_") }
