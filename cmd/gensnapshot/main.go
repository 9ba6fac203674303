package main

import (
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"time"

	"billbook/internal/model"
	"billbook/internal/sequence"
	"billbook/internal/snapshot"
)

func main() {
	var products, invoices int
	var outputFile string
	var seed int64
	flag.IntVar(&products, "products", 20, "number of products to generate")
	flag.IntVar(&invoices, "invoices", 500, "number of invoices to generate")
	flag.StringVar(&outputFile, "output", "snapshot.json", "output file")
	flag.Int64Var(&seed, "seed", time.Now().UnixNano(), "random seed")
	flag.Parse()

	snap := generate(rand.New(rand.NewSource(seed)), products, invoices, time.Now().UTC())
	if err := write(outputFile, snap); err != nil {
		log.Fatalf("generation failed: %v", err)
	}
	log.Printf("generated %d products and %d invoices to %s", len(snap.Products), len(snap.History), outputFile)
}

var categories = []string{"General", "Drinks", "Bakery", "Snacks"}

// generate builds a snapshot whose invoices all satisfy the totals invariants,
// spread over the 30 days before now.
func generate(rng *rand.Rand, nProducts, nInvoices int, now time.Time) model.Snapshot {
	snap := model.Snapshot{Products: []model.Product{}, History: []model.Invoice{}}
	for i := 0; i < nProducts; i++ {
		snap.Products = append(snap.Products, model.Product{
			ID:       fmt.Sprint(i + 1),
			Name:     fmt.Sprintf("Item %d", i+1),
			Price:    float64(50+rng.Intn(5000)) / 100,
			Category: categories[rng.Intn(len(categories))],
		})
	}
	if nProducts == 0 {
		return snap
	}
	discounts := []float64{0, 0, 0, 5, 10, 12.5}
	for i := 0; i < nInvoices; i++ {
		var items []model.BillItem
		for n := 1 + rng.Intn(4); n > 0; n-- {
			p := snap.Products[rng.Intn(len(snap.Products))]
			items = append(items, model.NewBillItem(p.Name, p.Price, 1+rng.Intn(5)))
		}
		inv := model.NewDraft("Corner Shop", "", items, discounts[rng.Intn(len(discounts))]).Invoice()
		inv.ID = fmt.Sprint(i + 1)
		inv.InvoiceNo = sequence.FormatInvoiceNo(int64(i + 1))
		inv.CreatedAt = now.Add(-time.Duration(nInvoices-i) * 30 * 24 * time.Hour / time.Duration(nInvoices))
		snap.History = append(snap.History, inv)
	}
	return snap
}

func write(path string, snap model.Snapshot) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create file: %w", err)
	}
	defer file.Close()
	return snapshot.Encode(file, snap)
}
