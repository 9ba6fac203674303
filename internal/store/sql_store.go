package store

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"billbook/internal/apperror"
	"billbook/internal/changelog"
	"billbook/internal/model"
)

type productRow struct {
	ID       string `gorm:"primaryKey"`
	Name     string
	Price    float64
	Category string
}

func (productRow) TableName() string { return Products }

type invoiceRow struct {
	ID             string `gorm:"primaryKey"`
	InvoiceNo      string `gorm:"index"`
	VendorName     string
	CustomerName   string
	Items          []model.BillItem `gorm:"serializer:json"`
	GrandTotal     float64
	Discount       float64
	DiscountAmount float64
	FinalTotal     float64
	CreatedAt      time.Time `gorm:"index;autoCreateTime:false"`
}

func (invoiceRow) TableName() string { return History }

type settingRow struct {
	Key   string `gorm:"primaryKey;column:name"`
	Value string
}

func (settingRow) TableName() string { return Settings }

type sequenceRow struct {
	Name  string `gorm:"primaryKey"`
	Value int64
}

func (sequenceRow) TableName() string { return "sequences" }

func toProductRow(p model.Product) productRow {
	return productRow{ID: p.ID, Name: p.Name, Price: p.Price, Category: p.Category}
}

func (r productRow) model() model.Product {
	return model.Product{ID: r.ID, Name: r.Name, Price: r.Price, Category: r.Category}
}

func toInvoiceRow(inv model.Invoice) invoiceRow {
	return invoiceRow{
		ID: inv.ID, InvoiceNo: inv.InvoiceNo, VendorName: inv.VendorName, CustomerName: inv.CustomerName,
		Items: inv.Items, GrandTotal: inv.GrandTotal, Discount: inv.Discount,
		DiscountAmount: inv.DiscountAmount, FinalTotal: inv.FinalTotal, CreatedAt: inv.CreatedAt.UTC(),
	}
}

func (r invoiceRow) model() model.Invoice {
	return model.Invoice{
		ID: r.ID, InvoiceNo: r.InvoiceNo, VendorName: r.VendorName, CustomerName: r.CustomerName,
		Items: r.Items, GrandTotal: r.GrandTotal, Discount: r.Discount,
		DiscountAmount: r.DiscountAmount, FinalTotal: r.FinalTotal, CreatedAt: r.CreatedAt.UTC(),
	}
}

// SQLStore implements Store on SQLite through gorm, one table per collection.
type SQLStore struct {
	db   *gorm.DB
	mu   sync.Mutex
	opts options
}

// OpenSQLite opens (or creates) the database file at path and migrates the schema.
func OpenSQLite(path string, opts ...Option) (*SQLStore, error) {
	dsn := filepath.Clean(path) + "?_busy_timeout=5000&_journal_mode=WAL"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, apperror.NewStorageError("open", err)
	}
	if err := db.AutoMigrate(&productRow{}, &invoiceRow{}, &settingRow{}, &sequenceRow{}); err != nil {
		return nil, apperror.NewStorageError("migrate", err)
	}
	return &SQLStore{db: db, opts: buildOptions(opts)}, nil
}

func (s *SQLStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return apperror.NewStorageError("close", err)
	}
	if err := sqlDB.Close(); err != nil {
		return apperror.NewStorageError("close", err)
	}
	return nil
}

func (s *SQLStore) Subscribe(buffer int) (<-chan changelog.Event, func()) {
	return s.opts.hub.Subscribe(buffer)
}

func upsert(tx *gorm.DB, row any) error {
	return tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(row).Error
}

func (s *SQLStore) tracker(tx *gorm.DB) *seqTracker {
	return newSeqTracker(s.opts.ids, func(collection string) (int64, error) {
		var row sequenceRow
		err := tx.Where("name = ?", collection).Take(&row).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, nil
		}
		return row.Value, err
	})
}

func saveSequences(tx *gorm.DB, seq *seqTracker) error {
	for c, v := range seq.changed() {
		if err := upsert(tx, &sequenceRow{Name: c, Value: v}); err != nil {
			return fmt.Errorf("sequence %s: %w", c, err)
		}
	}
	return nil
}

// write runs fn in one transaction under the writer lock. committed runs, still
// under the lock, only when the transaction commits so events keep commit order.
func (s *SQLStore) write(ctx context.Context, op string, fn func(tx *gorm.DB) error, committed func()) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.db.WithContext(ctx).Transaction(fn)
	if err == nil {
		committed()
		return nil
	}
	if _, ok := apperror.As(err); ok {
		return err
	}
	return apperror.NewStorageError(op, err)
}

func (s *SQLStore) CreateProduct(ctx context.Context, p model.Product) (model.Product, error) {
	err := s.write(ctx, "create product", func(tx *gorm.DB) error {
		seq := s.tracker(tx)
		id, err := seq.next(Products)
		if err != nil {
			return err
		}
		p.ID = id
		row := toProductRow(p)
		if err := tx.Create(&row).Error; err != nil {
			return err
		}
		return saveSequences(tx, seq)
	}, func() { s.opts.emit(Products, changelog.OpPut, p.ID) })
	if err != nil {
		return model.Product{}, err
	}
	return p, nil
}

func (s *SQLStore) PutProduct(ctx context.Context, p model.Product) error {
	if p.ID == "" {
		return apperror.Invalid("id", "must not be empty")
	}
	err := s.write(ctx, "put product", func(tx *gorm.DB) error {
		seq := s.tracker(tx)
		if err := seq.raise(Products, p.ID); err != nil {
			return err
		}
		row := toProductRow(p)
		if err := upsert(tx, &row); err != nil {
			return err
		}
		return saveSequences(tx, seq)
	}, func() { s.opts.emit(Products, changelog.OpPut, p.ID) })
	return err
}

func (s *SQLStore) UpdateProduct(ctx context.Context, id string, patch ProductPatch) (model.Product, error) {
	var out model.Product
	err := s.write(ctx, "update product", func(tx *gorm.DB) error {
		var row productRow
		err := tx.Where("id = ?", id).Take(&row).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return apperror.NewNotFoundError("product", id)
		}
		if err != nil {
			return err
		}
		out = row.model()
		patch.apply(&out)
		out.ID = id
		updated := toProductRow(out)
		return tx.Save(&updated).Error
	}, func() { s.opts.emit(Products, changelog.OpPut, id) })
	if err != nil {
		return model.Product{}, err
	}
	return out, nil
}

func (s *SQLStore) DeleteProduct(ctx context.Context, id string) error {
	return s.deleteRow(ctx, Products, &productRow{}, "id = ?", id)
}

func (s *SQLStore) deleteRow(ctx context.Context, collection string, row any, where, id string) error {
	var affected int64
	err := s.write(ctx, "delete "+collection, func(tx *gorm.DB) error {
		res := tx.Where(where, id).Delete(row)
		affected = res.RowsAffected
		return res.Error
	}, func() {
		if affected > 0 {
			s.opts.emit(collection, changelog.OpDelete, id)
		}
	})
	return err
}

func (s *SQLStore) GetProduct(ctx context.Context, id string) (model.Product, bool, error) {
	var row productRow
	err := s.db.WithContext(ctx).Where("id = ?", id).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return model.Product{}, false, nil
	}
	if err != nil {
		return model.Product{}, false, apperror.NewStorageError("get product", err)
	}
	return row.model(), true, nil
}

func (s *SQLStore) ListProducts(ctx context.Context) ([]model.Product, error) {
	var rows []productRow
	if err := s.db.WithContext(ctx).Find(&rows).Error; err != nil {
		return nil, apperror.NewStorageError("list products", err)
	}
	out := make([]model.Product, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.model())
	}
	sortProducts(out)
	return out, nil
}

func (s *SQLStore) CreateInvoice(ctx context.Context, inv model.Invoice) (model.Invoice, error) {
	err := s.write(ctx, "create invoice", func(tx *gorm.DB) error {
		seq := s.tracker(tx)
		id, err := seq.next(History)
		if err != nil {
			return err
		}
		inv.ID = id
		row := toInvoiceRow(inv)
		if err := tx.Create(&row).Error; err != nil {
			return err
		}
		return saveSequences(tx, seq)
	}, func() { s.opts.emit(History, changelog.OpPut, inv.ID) })
	if err != nil {
		return model.Invoice{}, err
	}
	return inv, nil
}

func (s *SQLStore) PutInvoice(ctx context.Context, inv model.Invoice) error {
	if inv.ID == "" {
		return apperror.Invalid("id", "must not be empty")
	}
	err := s.write(ctx, "put invoice", func(tx *gorm.DB) error {
		seq := s.tracker(tx)
		if err := seq.raise(History, inv.ID); err != nil {
			return err
		}
		row := toInvoiceRow(inv)
		if err := upsert(tx, &row); err != nil {
			return err
		}
		return saveSequences(tx, seq)
	}, func() { s.opts.emit(History, changelog.OpPut, inv.ID) })
	return err
}

func (s *SQLStore) DeleteInvoice(ctx context.Context, id string) error {
	return s.deleteRow(ctx, History, &invoiceRow{}, "id = ?", id)
}

func (s *SQLStore) GetInvoice(ctx context.Context, id string) (model.Invoice, bool, error) {
	var row invoiceRow
	err := s.db.WithContext(ctx).Where("id = ?", id).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return model.Invoice{}, false, nil
	}
	if err != nil {
		return model.Invoice{}, false, apperror.NewStorageError("get invoice", err)
	}
	return row.model(), true, nil
}

func (s *SQLStore) ListInvoices(ctx context.Context) ([]model.Invoice, error) {
	var rows []invoiceRow
	if err := s.db.WithContext(ctx).Order("created_at desc").Find(&rows).Error; err != nil {
		return nil, apperror.NewStorageError("list invoices", err)
	}
	out := make([]model.Invoice, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.model())
	}
	sortInvoices(out)
	return out, nil
}

func (s *SQLStore) GetSetting(ctx context.Context, key string) (string, bool, error) {
	var row settingRow
	err := s.db.WithContext(ctx).Where("name = ?", key).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, apperror.NewStorageError("get setting", err)
	}
	return row.Value, true, nil
}

func (s *SQLStore) PutSetting(ctx context.Context, key, value string) error {
	err := s.write(ctx, "put setting", func(tx *gorm.DB) error {
		return upsert(tx, &settingRow{Key: key, Value: value})
	}, func() { s.opts.emit(Settings, changelog.OpPut, key) })
	return err
}

func (s *SQLStore) DeleteSetting(ctx context.Context, key string) error {
	return s.deleteRow(ctx, Settings, &settingRow{}, "name = ?", key)
}

func (s *SQLStore) UpdateSetting(ctx context.Context, key string, fn func(cur string, ok bool) (string, error)) (string, error) {
	var next string
	err := s.write(ctx, "update setting", func(tx *gorm.DB) error {
		var row settingRow
		err := tx.Where("name = ?", key).Take(&row).Error
		found := err == nil
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		next, err = fn(row.Value, found)
		if err != nil {
			return err
		}
		return upsert(tx, &settingRow{Key: key, Value: next})
	}, func() { s.opts.emit(Settings, changelog.OpPut, key) })
	if err != nil {
		return "", err
	}
	return next, nil
}

func (s *SQLStore) ReplaceAll(ctx context.Context, products []model.Product, invoices []model.Invoice) (Replacement, error) {
	out := model.Snapshot{Products: make([]model.Product, 0, len(products)), History: make([]model.Invoice, 0, len(invoices))}
	var res Replacement
	err := s.write(ctx, "replace all", func(tx *gorm.DB) error {
		if err := tx.Model(&productRow{}).Pluck("id", &res.RemovedProductIDs).Error; err != nil {
			return err
		}
		if err := tx.Model(&invoiceRow{}).Pluck("id", &res.RemovedInvoiceIDs).Error; err != nil {
			return err
		}
		if err := tx.Exec("DELETE FROM " + Products).Error; err != nil {
			return err
		}
		if err := tx.Exec("DELETE FROM " + History).Error; err != nil {
			return err
		}
		seq := s.tracker(tx)
		for _, p := range products {
			id, err := seq.next(Products)
			if err != nil {
				return err
			}
			p.ID = id
			row := toProductRow(p)
			if err := tx.Create(&row).Error; err != nil {
				return err
			}
			out.Products = append(out.Products, p)
		}
		for _, inv := range invoices {
			id, err := seq.next(History)
			if err != nil {
				return err
			}
			inv.ID = id
			row := toInvoiceRow(inv)
			if err := tx.Create(&row).Error; err != nil {
				return err
			}
			out.History = append(out.History, inv)
		}
		return saveSequences(tx, seq)
	}, func() {
		s.opts.emit(Products, changelog.OpReplace, ids(out.Products, func(p model.Product) string { return p.ID })...)
		s.opts.emit(History, changelog.OpReplace, ids(out.History, func(i model.Invoice) string { return i.ID })...)
	})
	if err != nil {
		return Replacement{}, err
	}
	res.Stored = out
	return res, nil
}

func ids[T any](xs []T, id func(T) string) []string {
	out := make([]string, 0, len(xs))
	for _, x := range xs {
		out = append(out, id(x))
	}
	return out
}
