package main

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"viewsync/internal/core/apperror"
	"viewsync/internal/domain/receipt"
	"viewsync/internal/engine"
	"viewsync/internal/flush"
	"viewsync/internal/view"
	"viewsync/pkg/logger"
)

// runDemo takes one goods receipt through persist, partial update,
// a concurrent modification and removal.
func runDemo(ctx context.Context, e *engine.Engine, m *receipt.Model, log *logger.Logger) error {
	r, err := newReceipt(m)
	if err != nil {
		return err
	}
	res, err := e.Save(ctx, r)
	if err != nil {
		return fmt.Errorf("persist receipt: %w", err)
	}
	logResult(log, "receipt persisted", res, r)

	loaded, err := e.Find(ctx, m.Receipt, r.ID())
	if err != nil {
		return fmt.Errorf("load receipt: %w", err)
	}
	if err := loaded.Set("comment", "checked at the warehouse"); err != nil {
		return err
	}
	loaded.Get("tags").(*view.List).Append("checked")
	lines := loaded.Get("lines").(*view.List)
	if lines.Len() > 0 {
		if err := lines.At(0).(*view.Instance).Set("quantity", int64(12)); err != nil {
			return err
		}
	}
	res, err = e.Save(ctx, loaded)
	if err != nil {
		return fmt.Errorf("update receipt: %w", err)
	}
	logResult(log, "receipt updated", res, loaded)

	a, err := e.Find(ctx, m.Receipt, r.ID())
	if err != nil {
		return err
	}
	b, err := e.Find(ctx, m.Receipt, r.ID())
	if err != nil {
		return err
	}
	if err := a.Set("currency", "EUR"); err != nil {
		return err
	}
	if err := b.Set("currency", "USD"); err != nil {
		return err
	}
	if _, err := e.Save(ctx, a); err != nil {
		return err
	}
	_, err = e.Save(ctx, b)
	switch {
	case apperror.IsOptimisticLock(err):
		log.Infow("concurrent modification rejected", "error", err)
	case err != nil:
		return err
	default:
		return fmt.Errorf("stale receipt was flushed")
	}

	res, err = e.Remove(ctx, a)
	if err != nil {
		return fmt.Errorf("remove receipt: %w", err)
	}
	logResult(log, "receipt removed", res, a)
	return nil
}

func newReceipt(m *receipt.Model) (*view.Instance, error) {
	supplier := view.New(m.Counterparty)
	addr := view.New(m.Address)
	bolt := view.New(m.Line)
	nut := view.New(m.Line)
	r := view.New(m.Receipt)

	steps := []struct {
		v     *view.Instance
		name  string
		value any
	}{
		{supplier, "name", "ACME Supplies"},
		{supplier, "inn", "7701234567"},
		{addr, "street", "Lenina 1"},
		{addr, "city", "Moscow"},
		{bolt, "product", "bolt M8"},
		{bolt, "quantity", int64(10)},
		{nut, "product", "nut M8"},
		{nut, "quantity", int64(20)},
		{r, "currency", "RUB"},
		{r, "total", decimal.RequireFromString("1520.00")},
		{r, "supplier", supplier},
		{r, "delivery", addr},
		{r, "tags", view.NewList("inbound")},
		{r, "notes", view.NewList("pallet 1 of 2", "pallet 2 of 2")},
		{r, "properties", view.NewMap("dock", "3")},
		{r, "lines", view.NewList(bolt, nut)},
	}
	for _, s := range steps {
		if err := s.v.Set(s.name, s.value); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func logResult(log *logger.Logger, msg string, res *flush.Result, v *view.Instance) {
	log.Infow(msg,
		"view", v.String(),
		"number", v.Get("number"),
		"outcome", res.Outcome().String(),
		"state", res.State(),
		"statements", res.Statements(),
	)
}
