package arbitrage

import (
	"slices"
	"time"

	"cyclearb/internal/config"
	"cyclearb/internal/model"
)

// CommissionPolicy describes the commission charged on realized profit.
type CommissionPolicy struct {
	FeePct        float64
	Asset         string
	PayoutAddress string
}

// Settings is the complete tuning of a subject loop.
type Settings struct {
	BaseCurrency     string
	CycleLengths     []int
	MinProfitPct     float64
	MaxRoutes        int
	SlippagePct      float64
	Fees             FeeTable
	ScanInterval     time.Duration
	CallTimeout      time.Duration
	MaxNotional      float64
	DedupeCycles     bool
	SummaryEveryScan bool
	MaxEvaluations   int
	Reserve          ReservePolicy
	Commission       CommissionPolicy
}

// SettingsFromConfig collapses the loaded configuration into loop settings.
func SettingsFromConfig(cfg *config.Config) Settings {
	a := cfg.Arbitrage
	return Settings{
		BaseCurrency:     a.BaseCurrency,
		CycleLengths:     a.CycleLengths,
		MinProfitPct:     a.MinProfitPct,
		MaxRoutes:        a.MaxRoutes,
		SlippagePct:      a.SlippagePct,
		Fees:             FeeTable(cfg.TakerFees()),
		ScanInterval:     a.ScanInterval,
		CallTimeout:      a.CallTimeout,
		MaxNotional:      a.MaxNotional,
		DedupeCycles:     a.DedupeCycles,
		SummaryEveryScan: a.SummaryEveryScan,
		MaxEvaluations:   a.MaxEvaluations,
		Reserve: ReservePolicy{
			Enabled:       a.Reserve.Enabled,
			Asset:         a.Reserve.Asset,
			Symbol:        a.Reserve.Symbol,
			MinAmount:     a.Reserve.MinAmount,
			TopUpNotional: a.Reserve.TopUpNotional,
		},
		Commission: CommissionPolicy{
			FeePct:        a.Commission.FeePct,
			Asset:         a.Commission.Asset,
			PayoutAddress: a.Commission.PayoutAddress,
		},
	}
}

// payoutAddress returns the subject's own commission address, falling back to the operator default.
func (s Settings) payoutAddress(account model.Account) string {
	if account.PayoutAddress != "" {
		return account.PayoutAddress
	}
	return s.Commission.PayoutAddress
}

// commissionAsset defaults to the base currency, the unit profit is realized in.
func (s Settings) commissionAsset() string {
	if s.Commission.Asset != "" {
		return s.Commission.Asset
	}
	return s.BaseCurrency
}

// reservePolicy applies the subject's reserve minimum when set.
func (s Settings) reservePolicy(account model.Account) ReservePolicy {
	p := s.Reserve
	if account.ReserveMin > 0 {
		p.MinAmount = account.ReserveMin
	}
	return p
}

// cycleLengths returns the configured cycle lengths, shortest first, without duplicates.
func (s Settings) cycleLengths() []int {
	lengths := slices.Clone(s.CycleLengths)
	slices.Sort(lengths)
	return slices.Compact(lengths)
}
