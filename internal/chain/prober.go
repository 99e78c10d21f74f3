// internal/chain/prober.go
package chain

import (
	"context"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/sirupsen/logrus"
)

// Candidate is one purchase entry point to probe for. Selector is derived
// from Signature; Args is an optional fixed argument payload appended to the
// selector.
type Candidate struct {
	Name      string
	Signature string
	Args      []byte
}

// Calldata returns selector plus fixed payload.
func (c Candidate) Calldata() []byte {
	return append(append([]byte{}, Selector(c.Signature)...), c.Args...)
}

// DefaultCandidates is the priority-ordered probe list: most specific
// signature first, generic entry points last. The token contracts this
// marketplace meets are deployed ad hoc with inconsistent interfaces, so
// purchase eligibility is discovered empirically instead of assumed from an
// ABI that cannot be trusted at call time.
func DefaultCandidates() []Candidate {
	oneToken := common.LeftPadBytes(big.NewInt(1).Bytes(), 32)
	return []Candidate{
		{Name: "buyTokens(uint256)", Signature: "buyTokens(uint256)", Args: oneToken},
		{Name: "buyTokens()", Signature: "buyTokens()"},
		{Name: "buy()", Signature: "buy()"},
		{Name: "purchase()", Signature: "purchase()"},
		{Name: "mint()", Signature: "mint()"},
	}
}

// CandidateError is one per-candidate diagnostic from a failed probe run.
type CandidateError struct {
	Candidate string `json:"candidate"`
	Error     string `json:"error"`
	// FunctionExists is set when the revert did not look like a missing
	// function, i.e. the entry point exists but rejects these arguments.
	FunctionExists bool `json:"function_exists"`
}

// ProbeResult is the ephemeral outcome of a capability probe. It is never
// persisted; successful detections are cached in-process per contract
// address.
type ProbeResult struct {
	Success        bool             `json:"success"`
	Function       string           `json:"function,omitempty"`
	Selector       string           `json:"selector,omitempty"`
	Calldata       hexutil.Bytes    `json:"calldata,omitempty"`
	DirectTransfer bool             `json:"direct_eth_transfer,omitempty"`
	GasEstimate    uint64           `json:"gas_estimate,omitempty"`
	Balance        *big.Int         `json:"-"`
	Attempts       []CandidateError `json:"attempts,omitempty"`
	Error          string           `json:"error,omitempty"`
}

type cachedProbe struct {
	result    ProbeResult
	expiresAt time.Time
}

// Prober detects which purchase entry point a deployed token exposes, by
// attempting gas estimation per candidate rather than sending anything.
type Prober struct {
	candidates []Candidate
	cacheTTL   time.Duration

	mu    sync.Mutex
	cache map[common.Address]cachedProbe
}

// NewProber builds a prober with the given candidate list; nil means
// DefaultCandidates. A zero cacheTTL disables the detection cache.
func NewProber(candidates []Candidate, cacheTTL time.Duration) *Prober {
	if candidates == nil {
		candidates = DefaultCandidates()
	}
	return &Prober{
		candidates: candidates,
		cacheTTL:   cacheTTL,
		cache:      make(map[common.Address]cachedProbe),
	}
}

// probeValue is the small nonzero value attached to estimation calls so that
// payable entry points do not revert on a zero send.
var probeValue = big.NewInt(1e9) // 1 gwei

// DetectPurchaseFunction determines how tokenAddr can be purchased from.
// It verifies the contract responds at all, reads the buyer's balance
// best-effort, then walks the candidate list with gas-estimation calls. The
// first candidate whose estimation succeeds wins and probing stops. If no
// candidate works, a bare value transfer against the fallback/receive path is
// tried last.
func (p *Prober) DetectPurchaseFunction(ctx context.Context, provider Provider, tokenAddr, buyer common.Address, value *big.Int) ProbeResult {
	if cached, ok := p.cachedResult(tokenAddr); ok {
		return cached
	}

	log := logrus.WithFields(logrus.Fields{
		"token": tokenAddr.Hex(),
		"buyer": buyer.Hex(),
	})

	// A contract that cannot answer symbol() is not worth guessing at.
	_, err := provider.CallContract(ctx, ethereum.CallMsg{
		From: buyer,
		To:   &tokenAddr,
		Data: SymbolCalldata(),
	})
	if err != nil {
		log.WithError(err).Warn("Token contract not responsive")
		return ProbeResult{Success: false, Error: ErrNotResponsive.Error()}
	}

	result := ProbeResult{}

	// Balance read is best-effort; it only informs UX (skip purchase when
	// the buyer already holds tokens).
	if raw, err := provider.CallContract(ctx, ethereum.CallMsg{
		From: buyer,
		To:   &tokenAddr,
		Data: BalanceOfCalldata(buyer),
	}); err != nil {
		log.WithError(err).Debug("balanceOf read failed during probe")
	} else if len(raw) > 0 {
		result.Balance = new(big.Int).SetBytes(raw)
	}

	if value == nil || value.Sign() == 0 {
		value = probeValue
	}

	for _, candidate := range p.candidates {
		calldata := candidate.Calldata()
		gas, err := provider.EstimateGas(ctx, ethereum.CallMsg{
			From:  buyer,
			To:    &tokenAddr,
			Value: value,
			Data:  calldata,
		})
		if err == nil {
			result.Success = true
			result.Function = candidate.Name
			result.Selector = hexutil.Encode(Selector(candidate.Signature))
			result.Calldata = calldata
			result.GasEstimate = gas
			p.store(tokenAddr, result)
			log.WithField("function", candidate.Name).Info("Purchase entry point detected")
			return result
		}

		attempt := CandidateError{Candidate: candidate.Name, Error: err.Error()}
		if !isMissingFunctionError(err) {
			// The function exists but rejects this calldata; keep it in
			// the diagnostics and continue down the list.
			attempt.FunctionExists = true
		}
		result.Attempts = append(result.Attempts, attempt)
	}

	// Last resort: does the contract accept a bare value transfer through
	// its fallback/receive path?
	gas, err := provider.EstimateGas(ctx, ethereum.CallMsg{
		From:  buyer,
		To:    &tokenAddr,
		Value: value,
	})
	if err == nil {
		result.Success = true
		result.Function = "fallback"
		result.DirectTransfer = true
		result.GasEstimate = gas
		p.store(tokenAddr, result)
		log.Info("Token accepts direct value transfer")
		return result
	}
	result.Attempts = append(result.Attempts, CandidateError{Candidate: "fallback", Error: err.Error()})

	result.Success = false
	result.Error = "no purchase entry point detected"
	log.WithField("attempts", len(result.Attempts)).Warn("Capability probe inconclusive")
	return result
}

func (p *Prober) cachedResult(tokenAddr common.Address) (ProbeResult, bool) {
	if p.cacheTTL <= 0 {
		return ProbeResult{}, false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	entry, ok := p.cache[tokenAddr]
	if !ok || time.Now().After(entry.expiresAt) {
		delete(p.cache, tokenAddr)
		return ProbeResult{}, false
	}
	return entry.result, true
}

func (p *Prober) store(tokenAddr common.Address, result ProbeResult) {
	if p.cacheTTL <= 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cache[tokenAddr] = cachedProbe{result: result, expiresAt: time.Now().Add(p.cacheTTL)}
}

// isMissingFunctionError classifies estimation failures: a selector the
// contract does not implement typically surfaces as a bare revert or an
// explicit "function not found" style message, while a revert with a reason
// string means the entry point exists but rejected the arguments.
func isMissingFunctionError(err error) bool {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "function selector was not recognized"),
		strings.Contains(msg, "function not found"),
		strings.Contains(msg, "invalid opcode"),
		strings.Contains(msg, "fallback function"):
		return true
	case strings.Contains(msg, "execution reverted:"):
		// Revert with a reason string: the function ran far enough to
		// complain about its inputs.
		return false
	case strings.Contains(msg, "execution reverted"):
		return true
	}
	return false
}
