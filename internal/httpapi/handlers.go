package httpapi

import (
	"bytes"

	"github.com/gofiber/fiber/v2"

	"billbook/internal/ledger"
	"billbook/internal/model"
	"billbook/internal/snapshot"
)

func (s *Server) health(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"status":    "ok",
		"signed_in": s.ledger.SignedInUID() != "",
		"syncing":   s.ledger.IsSyncing(),
	})
}

func (s *Server) listProducts(c *fiber.Ctx) error {
	ps, err := s.ledger.Products(c.UserContext())
	if err != nil {
		return err
	}
	if ps == nil {
		ps = []model.Product{}
	}
	return c.JSON(ps)
}

func parse(c *fiber.Ctx, dst any) error {
	if err := c.BodyParser(dst); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body: "+err.Error())
	}
	return nil
}

func (s *Server) addProduct(c *fiber.Ctx) error {
	var in ledger.ProductInput
	if err := parse(c, &in); err != nil {
		return err
	}
	p, err := s.ledger.AddProduct(c.UserContext(), in)
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusCreated).JSON(p)
}

func (s *Server) updateProduct(c *fiber.Ctx) error {
	var in ledger.ProductInput
	if err := parse(c, &in); err != nil {
		return err
	}
	p, err := s.ledger.UpdateProduct(c.UserContext(), c.Params("id"), in)
	if err != nil {
		return err
	}
	return c.JSON(p)
}

func (s *Server) deleteProduct(c *fiber.Ctx) error {
	if err := s.ledger.DeleteProduct(c.UserContext(), c.Params("id")); err != nil {
		return err
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (s *Server) listHistory(c *fiber.Ctx) error {
	invs, err := s.ledger.History(c.UserContext())
	if err != nil {
		return err
	}
	if invs == nil {
		invs = []model.Invoice{}
	}
	return c.JSON(invs)
}

type itemRequest struct {
	Name     string   `json:"name"`
	Price    float64  `json:"price"`
	Quantity int      `json:"quantity"`
	Total    *float64 `json:"total"`
}

// billRequest accepts either a fully priced draft or just items and a
// discount, in which case the totals are computed here.
type billRequest struct {
	VendorName     string        `json:"vendor_name"`
	CustomerName   string        `json:"customer_name"`
	Items          []itemRequest `json:"items"`
	Discount       float64       `json:"discount"`
	GrandTotal     *float64      `json:"grand_total"`
	DiscountAmount *float64      `json:"discount_amount"`
	FinalTotal     *float64      `json:"final_total"`
}

func (r billRequest) priced() bool {
	if r.GrandTotal == nil || r.DiscountAmount == nil || r.FinalTotal == nil {
		return false
	}
	for _, it := range r.Items {
		if it.Total == nil {
			return false
		}
	}
	return true
}

func (r billRequest) draft() model.InvoiceDraft {
	items := make([]model.BillItem, 0, len(r.Items))
	if !r.priced() {
		for _, it := range r.Items {
			items = append(items, model.NewBillItem(it.Name, it.Price, it.Quantity))
		}
		return model.NewDraft(r.VendorName, r.CustomerName, items, r.Discount)
	}
	for _, it := range r.Items {
		items = append(items, model.BillItem{Name: it.Name, Price: it.Price, Quantity: it.Quantity, Total: *it.Total})
	}
	return model.InvoiceDraft{
		VendorName:     r.VendorName,
		CustomerName:   r.CustomerName,
		Items:          items,
		GrandTotal:     *r.GrandTotal,
		Discount:       r.Discount,
		DiscountAmount: *r.DiscountAmount,
		FinalTotal:     *r.FinalTotal,
	}
}

func (s *Server) saveBill(c *fiber.Ctx) error {
	var req billRequest
	if err := parse(c, &req); err != nil {
		return err
	}
	inv, err := s.ledger.SaveBill(c.UserContext(), req.draft())
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusCreated).JSON(inv)
}

func (s *Server) deleteHistoryItem(c *fiber.Ctx) error {
	if err := s.ledger.DeleteHistoryItem(c.UserContext(), c.Params("id")); err != nil {
		return err
	}
	return c.SendStatus(fiber.StatusNoContent)
}

type vendorNameBody struct {
	VendorName string `json:"vendor_name"`
}

func (s *Server) getVendorName(c *fiber.Ctx) error {
	name, err := s.ledger.VendorName(c.UserContext())
	if err != nil {
		return err
	}
	return c.JSON(vendorNameBody{VendorName: name})
}

func (s *Server) saveVendorName(c *fiber.Ctx) error {
	var body vendorNameBody
	if err := parse(c, &body); err != nil {
		return err
	}
	if err := s.ledger.SaveVendorName(c.UserContext(), body.VendorName); err != nil {
		return err
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (s *Server) getSession(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"uid": s.ledger.SignedInUID(), "syncing": s.ledger.IsSyncing()})
}

func (s *Server) signIn(c *fiber.Ctx) error {
	var body struct {
		Credential string `json:"credential"`
	}
	if err := parse(c, &body); err != nil {
		return err
	}
	if body.Credential == "" {
		return fiber.NewError(fiber.StatusBadRequest, "credential is required")
	}
	res, err := s.ledger.SignIn(c.UserContext(), body.Credential)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"uid": s.ledger.SignedInUID(), "reconcile": res})
}

func (s *Server) signOut(c *fiber.Ctx) error {
	if err := s.ledger.SignOut(c.UserContext()); err != nil {
		return err
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (s *Server) exportSnapshot(c *fiber.Ctx) error {
	ctx := c.UserContext()
	var buf bytes.Buffer
	if c.Query("format") == "xlsx" {
		snap, err := s.ledger.ExportSnapshot(ctx)
		if err != nil {
			return err
		}
		if err := snapshot.WriteWorkbook(&buf, snap); err != nil {
			return err
		}
		c.Set(fiber.HeaderContentType, "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
		c.Set(fiber.HeaderContentDisposition, `attachment; filename="billbook.xlsx"`)
		return c.Send(buf.Bytes())
	}
	if err := s.ledger.WriteSnapshot(ctx, &buf); err != nil {
		return err
	}
	c.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSONCharsetUTF8)
	c.Set(fiber.HeaderContentDisposition, `attachment; filename="billbook-snapshot.json"`)
	return c.Send(buf.Bytes())
}

func (s *Server) importSnapshot(c *fiber.Ctx) error {
	stored, err := s.ledger.ReadSnapshot(c.UserContext(), bytes.NewReader(c.Body()))
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"products": len(stored.Products), "invoices": len(stored.History)})
}

func (s *Server) dailyReport(c *fiber.Ctx) error {
	sum, err := s.ledger.SalesSummary(c.UserContext(), s.loc)
	if err != nil {
		return err
	}
	return c.JSON(sum.Days)
}

func (s *Server) summaryReport(c *fiber.Ctx) error {
	sum, err := s.ledger.SalesSummary(c.UserContext(), s.loc)
	if err != nil {
		return err
	}
	return c.JSON(sum)
}
