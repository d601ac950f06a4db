// Package destination parses and validates the bank account payouts
// settle to.
//
// Only destinations that pass validation are marked verified; the payout
// workflow refuses requests for owners without a verified destination.
package destination

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/bitinvest/ledger-engine/internal/model"
)

// ifscRegex matches an Indian Financial System Code: four bank letters, a
// literal zero, then a six-character branch code.
// Example: HDFC0001234
var ifscRegex = regexp.MustCompile(`^[A-Z]{4}0[A-Z0-9]{6}$`)

// accountRegex matches a 9 to 18 digit account number.
var accountRegex = regexp.MustCompile(`^\d{9,18}$`)

const maxHolderName = 100

var (
	ErrInvalidIFSC          = errors.New("destination: invalid IFSC code")
	ErrInvalidAccountNumber = errors.New("destination: invalid account number")
	ErrInvalidHolderName    = errors.New("destination: account holder name required")
)

// Input is the raw destination submitted by an owner.
type Input struct {
	AccountHolderName string `json:"account_holder_name"`
	AccountNumber     string `json:"account_number"`
	IFSC              string `json:"ifsc"`
}

// Parse normalises and validates in, returning a verified destination for
// ownerID.
func Parse(ownerID string, in Input, now time.Time) (*model.Destination, error) {
	name := strings.TrimSpace(in.AccountHolderName)
	if name == "" || len(name) > maxHolderName {
		return nil, ErrInvalidHolderName
	}

	ifsc := strings.ToUpper(strings.TrimSpace(in.IFSC))
	if !ifscRegex.MatchString(ifsc) {
		return nil, fmt.Errorf("%w: %q (expected AAAA0XXXXXX)", ErrInvalidIFSC, in.IFSC)
	}

	account := strings.ReplaceAll(strings.TrimSpace(in.AccountNumber), " ", "")
	if !accountRegex.MatchString(account) {
		return nil, fmt.Errorf("%w: expected 9-18 digits", ErrInvalidAccountNumber)
	}

	return &model.Destination{
		OwnerID:           ownerID,
		AccountHolderName: name,
		AccountNumber:     account,
		IFSC:              ifsc,
		Verified:          true,
		UpdatedAt:         now,
	}, nil
}

// BankCode returns the four-letter bank prefix of an IFSC code.
func BankCode(ifsc string) string {
	if len(ifsc) < 4 {
		return ""
	}
	return ifsc[:4]
}

// Mask hides all but the last four digits of an account number.
func Mask(account string) string {
	if len(account) <= 4 {
		return account
	}
	return strings.Repeat("X", len(account)-4) + account[len(account)-4:]
}
