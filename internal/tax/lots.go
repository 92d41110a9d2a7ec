package tax

import (
	"fmt"
	"sort"
	"strings"

	"folio/internal/models"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// LotMethod selects which lots a disposal closes first.
type LotMethod int

const (
	FIFO LotMethod = iota
	LIFO
)

func (m LotMethod) String() string {
	switch m {
	case LIFO:
		return "lifo"
	default:
		return "fifo"
	}
}

func ParseLotMethod(s string) (LotMethod, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "fifo":
		return FIFO, nil
	case "lifo":
		return LIFO, nil
	default:
		return FIFO, fmt.Errorf("unknown lot method %q", s)
	}
}

// BuildLots replays a ledger into per-asset tax lots. Acquisitions open a
// lot, disposals close lots in the order given by method, splits rescale
// every lot of the asset. Holdings are returned sorted by asset.
func BuildLots(transactions []models.Transaction, method LotMethod) []models.Holding {
	txs := make([]models.Transaction, len(transactions))
	copy(txs, transactions)
	models.SortTransactions(txs)

	byAsset := map[string][]models.TaxLot{}
	for _, tx := range txs {
		switch tx.Type {
		case models.TxBuy, models.TxReinvestment, models.TxTransferIn, models.TxSpinoff, models.TxMerger:
			if !tx.Quantity.IsPositive() {
				continue
			}
			byAsset[tx.AssetID] = append(byAsset[tx.AssetID], openLot(tx))
		case models.TxSell, models.TxTransferOut:
			byAsset[tx.AssetID] = closeLots(byAsset[tx.AssetID], tx.Quantity.Abs(), method)
		case models.TxSplit:
			if !tx.Quantity.IsPositive() {
				continue
			}
			lots := byAsset[tx.AssetID]
			for i := range lots {
				lots[i].Quantity = lots[i].Quantity.Mul(tx.Quantity)
				lots[i].SoldQuantity = lots[i].SoldQuantity.Mul(tx.Quantity)
				lots[i].RemainingQuantity = lots[i].RemainingQuantity.Mul(tx.Quantity)
				lots[i].PurchasePrice = lots[i].PurchasePrice.Div(tx.Quantity)
			}
		}
	}

	assets := make([]string, 0, len(byAsset))
	for a := range byAsset {
		assets = append(assets, a)
	}
	sort.Strings(assets)

	holdings := make([]models.Holding, 0, len(assets))
	for _, a := range assets {
		holdings = append(holdings, models.Holding{AssetID: a, Lots: byAsset[a]})
	}
	return holdings
}

func openLot(tx models.Transaction) models.TaxLot {
	id := tx.ID
	if id == "" {
		id = uuid.NewString()
	}
	price := tx.Price
	if tx.Type == models.TxBuy || tx.Type == models.TxReinvestment {
		// fees are capitalized into the basis
		price = tx.Amount().Add(tx.Fees).Div(tx.Quantity)
	}
	return models.TaxLot{
		ID:                id,
		Quantity:          tx.Quantity,
		PurchasePrice:     price,
		PurchaseDate:      models.DayOf(tx.Date),
		SoldQuantity:      decimal.Zero,
		RemainingQuantity: tx.Quantity,
	}
}

// closeLots consumes qty from lots. A disposal larger than the open
// position closes everything and the excess is dropped.
func closeLots(lots []models.TaxLot, qty decimal.Decimal, method LotMethod) []models.TaxLot {
	order := make([]int, 0, len(lots))
	for i := range lots {
		order = append(order, i)
	}
	if method == LIFO {
		for i, j := 0, len(order)-1; i < j; i, j = i+1, j-1 {
			order[i], order[j] = order[j], order[i]
		}
	}

	for _, i := range order {
		if !qty.IsPositive() {
			break
		}
		if !lots[i].RemainingQuantity.IsPositive() {
			continue
		}
		take := decimal.Min(qty, lots[i].RemainingQuantity)
		lots[i].SoldQuantity = lots[i].SoldQuantity.Add(take)
		lots[i].RemainingQuantity = lots[i].Quantity.Sub(lots[i].SoldQuantity)
		qty = qty.Sub(take)
	}
	return lots
}
