package provider

import (
	"fmt"
	"strings"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/lightningnetwork/lnd/lntypes"
	"github.com/lightningnetwork/lnd/zpay32"

	"github.com/isabell-ah/satsjar/internal/domain"
)

// DecodedPaymentRequest holds the BOLT11 fields the rest of the system needs.
type DecodedPaymentRequest struct {
	PaymentHash string
	AmountSats  int64
	Description string
	CreatedAt   time.Time
	Expiry      time.Duration
}

func (d *DecodedPaymentRequest) Expired(now time.Time) bool {
	return now.After(d.CreatedAt.Add(d.Expiry))
}

// Decoder parses BOLT11 payment requests for one bitcoin network.
type Decoder struct {
	net *chaincfg.Params
}

func NewDecoder(network string) (*Decoder, error) {
	var params *chaincfg.Params
	switch strings.ToLower(network) {
	case "", "mainnet", "bitcoin":
		params = &chaincfg.MainNetParams
	case "testnet", "testnet3":
		params = &chaincfg.TestNet3Params
	case "regtest":
		params = &chaincfg.RegressionNetParams
	case "signet":
		params = &chaincfg.SigNetParams
	case "simnet":
		params = &chaincfg.SimNetParams
	default:
		return nil, fmt.Errorf("unknown bitcoin network %q", network)
	}
	return &Decoder{net: params}, nil
}

func (d *Decoder) Decode(paymentRequest string) (*DecodedPaymentRequest, error) {
	inv, err := zpay32.Decode(strings.TrimSpace(paymentRequest), d.net)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidPaymentRequest, err)
	}
	if inv.PaymentHash == nil {
		return nil, fmt.Errorf("%w: missing payment hash", domain.ErrInvalidPaymentRequest)
	}

	out := &DecodedPaymentRequest{
		PaymentHash: lntypes.Hash(*inv.PaymentHash).String(),
		CreatedAt:   inv.Timestamp,
		Expiry:      inv.Expiry(),
	}
	if inv.MilliSat != nil {
		out.AmountSats = int64(*inv.MilliSat) / 1000
	}
	if inv.Description != nil {
		out.Description = *inv.Description
	}
	return out, nil
}

// ParsePaymentHash validates a hex payment hash and returns it in canonical
// lowercase form.
func ParsePaymentHash(s string) (string, error) {
	h, err := lntypes.MakeHashFromStr(strings.TrimSpace(s))
	if err != nil {
		return "", fmt.Errorf("invalid payment hash: %w", err)
	}
	return h.String(), nil
}
