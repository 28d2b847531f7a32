package settlement

import (
	"fmt"

	"github.com/bosonprotocol/resale-engine/pkg/exchange"
	"github.com/ethereum/go-ethereum/common"
)

// BasisPoints is full precision for fee and royalty rates (10000 = 100%).
const BasisPoints = int64(10000)

// RoyaltyShare is one royalty recipient's cut of a settlement.
type RoyaltyShare struct {
	Wallet common.Address
	Amount int64
}

// FeeSplit is the division of a secondary-sale amount between the reseller
// chain, the protocol, and royalty recipients.
// Conservation holds exactly: SellerPayout + FeeTotal == secondaryPrice.
type FeeSplit struct {
	SellerPayout  int64          // paid to the reseller, capped at the primary price
	ProtocolShare int64          // protocol revenue, absorbs rounding dust
	RoyaltyShares []RoyaltyShare // per-recipient royalty amounts
	FeeTotal      int64          // ProtocolShare + sum of RoyaltyShares
}

// ComputeFeeSplit divides secondaryPrice between seller, protocol and
// royalty recipients.
//
// Algorithm (truncating integer math, rates in basis points):
//
//	reduced      = secondaryPrice × (10000 − protocolBps − royaltyBps) / 10000
//	sellerPayout = min(reduced, primaryPrice)
//	feeTotal     = secondaryPrice − sellerPayout
//
// The reseller chain is never paid more than the primary price the original
// sale already guaranteed: anything above the floor is retained as protocol
// and royalty revenue, so fees may consume the reseller's entire markup.
// Royalty recipients and the protocol split feeTotal proportionally to their
// rates; rounding remainders go to the protocol share.
func ComputeFeeSplit(primaryPrice, secondaryPrice, protocolBps int64, royalties []exchange.RoyaltyRecipient) (*FeeSplit, error) {
	if primaryPrice < 0 {
		return nil, fmt.Errorf("primary price cannot be negative: %d", primaryPrice)
	}
	if secondaryPrice < 0 {
		return nil, fmt.Errorf("secondary price cannot be negative: %d", secondaryPrice)
	}
	if protocolBps < 0 {
		return nil, fmt.Errorf("protocol fee rate cannot be negative: %d", protocolBps)
	}

	royaltyBps := int64(0)
	for _, r := range royalties {
		if r.Bps < 0 {
			return nil, fmt.Errorf("royalty rate cannot be negative: %d", r.Bps)
		}
		royaltyBps += r.Bps
	}

	totalBps := protocolBps + royaltyBps
	if totalBps > BasisPoints {
		return nil, fmt.Errorf("%w: %d bps > %d bps", ErrFeeRateTooHigh, totalBps, BasisPoints)
	}

	reduced := secondaryPrice * (BasisPoints - totalBps) / BasisPoints

	sellerPayout := reduced
	if sellerPayout > primaryPrice {
		sellerPayout = primaryPrice
	}

	feeTotal := secondaryPrice - sellerPayout

	split := &FeeSplit{
		SellerPayout: sellerPayout,
		FeeTotal:     feeTotal,
	}

	if totalBps == 0 {
		// No configured rates: any amount above the primary-price cap is
		// still retained, and it all goes to the protocol.
		split.ProtocolShare = feeTotal
		return split, nil
	}

	// Proportional split of feeTotal; protocol takes the remainder so no
	// dust is silently dropped.
	distributed := int64(0)
	for _, r := range royalties {
		if r.Bps == 0 {
			continue
		}
		amount := feeTotal * r.Bps / totalBps
		split.RoyaltyShares = append(split.RoyaltyShares, RoyaltyShare{
			Wallet: r.Wallet,
			Amount: amount,
		})
		distributed += amount
	}
	split.ProtocolShare = feeTotal - distributed

	return split, nil
}

// ValidateFeeRates enforces the configured caps before any funds move.
func ValidateFeeRates(protocolBps, royaltyBps, maxRoyaltyBps, maxTotalBps int64) error {
	if royaltyBps > maxRoyaltyBps {
		return fmt.Errorf("%w: royalty %d bps > max %d bps", ErrFeeRateTooHigh, royaltyBps, maxRoyaltyBps)
	}
	if protocolBps+royaltyBps > maxTotalBps {
		return fmt.Errorf("%w: %d bps > max %d bps", ErrFeeRateTooHigh, protocolBps+royaltyBps, maxTotalBps)
	}
	return nil
}
