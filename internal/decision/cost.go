package decision

// CostInput names the priced quantities of a finalized allocation. SellToP2P
// is an independent quantity with its own price; storage movements carry no
// cost of their own.
type CostInput struct {
	Hour        int
	BuyFromGrid float64
	SellToGrid  float64
	SellToP2P   float64
	P2PPrice    float64
}

// Cost returns the signed net cost of an allocation at the hour's tariffs:
// positive is money spent, negative is profit.
func Cost(src PriceSource, in CostInput) float64 {
	now, _ := src.At(in.Hour)
	return in.BuyFromGrid*now.Purchase - in.SellToGrid*now.Sale - in.SellToP2P*in.P2PPrice
}
