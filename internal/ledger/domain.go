package ledger

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ItemType enumerates bonded-zone goods categories tracked by customs.
type ItemType string

const (
	// ItemTypeRawMaterial covers imported raw materials (bahan baku).
	ItemTypeRawMaterial ItemType = "BAHAN_BAKU"
	// ItemTypeAuxiliary covers auxiliary materials (bahan penolong).
	ItemTypeAuxiliary ItemType = "BAHAN_PENOLONG"
	// ItemTypeFinishedGoods covers production output (barang jadi).
	ItemTypeFinishedGoods ItemType = "BARANG_JADI"
	// ItemTypeMachinery covers machines and equipment (mesin dan peralatan).
	ItemTypeMachinery ItemType = "MESIN_PERALATAN"
	// ItemTypeScrap covers waste and scrap (barang sisa).
	ItemTypeScrap ItemType = "BARANG_SISA"
	// ItemTypePackaging covers packaging materials (kemasan).
	ItemTypePackaging ItemType = "KEMASAN"
)

// ItemRef identifies one ledger item inside a bonded zone.
type ItemRef struct {
	CompanyCode string
	ItemType    ItemType
	ItemCode    string
}

// Validate ensures the reference is complete.
func (r ItemRef) Validate() error {
	if strings.TrimSpace(r.CompanyCode) == "" || strings.TrimSpace(string(r.ItemType)) == "" || strings.TrimSpace(r.ItemCode) == "" {
		return errors.New("ledger: company, item type and item code required")
	}
	return nil
}

// String renders the reference for logs.
func (r ItemRef) String() string {
	return fmt.Sprintf("%s/%s/%s", r.CompanyCode, r.ItemType, r.ItemCode)
}

// MutationRecord is one row of an item's daily stock chain. Closing always
// equals opening + incoming - outgoing + adjustment, and the next record's
// opening equals this record's closing. Only the Recalculator writes the
// balance fields.
type MutationRecord struct {
	ID            int64
	Item          ItemRef
	RecordDate    time.Time
	Opening       float64
	Incoming      float64
	Outgoing      float64
	Adjustment    float64
	Closing       float64
	PhysicalCount float64
	Variance      float64
	Remark        string
	UpdatedAt     time.Time
}

// ComputeBalances recomputes the derived fields from the stored quantities.
// PhysicalCount of zero means "not counted" and yields zero variance.
func (m *MutationRecord) ComputeBalances(opening float64) {
	m.Opening = opening
	m.Closing = opening + m.Incoming - m.Outgoing + m.Adjustment
	if m.PhysicalCount > 0 {
		m.Variance = m.PhysicalCount - m.Closing
	} else {
		m.Variance = 0
	}
}

// RecalcOutcome summarises one completed cascade.
type RecalcOutcome struct {
	Item           ItemRef
	FromDate       time.Time
	RecordsUpdated int
	FinalClosing   float64
}

// MutationInput captures a transaction posting against one (item, date).
type MutationInput struct {
	Item          ItemRef
	Date          time.Time
	Incoming      float64
	Outgoing      float64
	Adjustment    float64
	PhysicalCount float64
	Remark        string
}

var (
	// ErrItemNotFound indicates the item has no mutation history at all.
	ErrItemNotFound = errors.New("ledger: item has no mutation history")
	// ErrConflict indicates a concurrent writer touched the same item chain.
	// The operation left the chain untouched and may be retried.
	ErrConflict = errors.New("ledger: concurrent modification of item chain")
	// ErrTimeout indicates the recalculation exceeded its transaction budget.
	ErrTimeout = errors.New("ledger: recalculation timed out")
)
