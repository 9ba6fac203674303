// Package sequence issues device-scoped invoice numbers from the durable
// invoiceCounter setting.
package sequence

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"billbook/internal/apperror"
	"billbook/internal/model"
)

const prefix = "INV-"

// Counter is the part of the local store the allocator needs.
type Counter interface {
	UpdateSetting(ctx context.Context, key string, fn func(cur string, ok bool) (string, error)) (string, error)
}

type Allocator struct {
	store Counter
}

func New(store Counter) *Allocator {
	return &Allocator{store: store}
}

// FormatInvoiceNo renders n as INV-### (wider past 999).
func FormatInvoiceNo(n int64) string {
	return fmt.Sprintf("%s%03d", prefix, n)
}

// ParseInvoiceNo extracts n from INV-n. ok is false for anything else.
func ParseInvoiceNo(s string) (int64, bool) {
	if !strings.HasPrefix(s, prefix) {
		return 0, false
	}
	n, err := strconv.ParseInt(s[len(prefix):], 10, 64)
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}

func parseCounter(cur string, ok bool) (int64, error) {
	if !ok || cur == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(cur, 10, 64)
	if err != nil {
		return 0, apperror.NewStorageError("read invoice counter", fmt.Errorf("corrupt value %q: %w", cur, err))
	}
	return n, nil
}

// NextInvoiceNo increments the counter and returns the formatted number.
// The increment is one atomic read-modify-write in the store, so concurrent
// callers never share a number.
func (a *Allocator) NextInvoiceNo(ctx context.Context) (string, error) {
	var next int64
	_, err := a.store.UpdateSetting(ctx, model.SettingInvoiceCounter, func(cur string, ok bool) (string, error) {
		n, err := parseCounter(cur, ok)
		if err != nil {
			return "", err
		}
		next = n + 1
		return strconv.FormatInt(next, 10), nil
	})
	if err != nil {
		return "", err
	}
	return FormatInvoiceNo(next), nil
}

// EnsureAtLeast raises the counter to n if it is lower. It never lowers it.
func (a *Allocator) EnsureAtLeast(ctx context.Context, n int64) error {
	_, err := a.store.UpdateSetting(ctx, model.SettingInvoiceCounter, func(cur string, ok bool) (string, error) {
		v, err := parseCounter(cur, ok)
		if err != nil {
			return "", err
		}
		if n > v {
			v = n
		}
		return strconv.FormatInt(v, 10), nil
	})
	return err
}

// Highest returns the largest INV-n among invoices, or 0.
func Highest(invoices []model.Invoice) int64 {
	var max int64
	for _, inv := range invoices {
		if n, ok := ParseInvoiceNo(inv.InvoiceNo); ok && n > max {
			max = n
		}
	}
	return max
}
