package payment

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// QRConfig holds the bank transfer parameters for the QR image service
type QRConfig struct {
	BaseURL   string
	AccountNo string
	BankCode  string
}

// BuildQRLink builds the deep link to the external QR image for a bank
// transfer. Rendering-only; nothing in the checkout flow depends on it.
// The description is sanitized to upper-cased alphanumerics because banks
// mangle anything else in transfer notes.
func BuildQRLink(cfg QRConfig, amount float64, description string) string {
	if cfg.BaseURL == "" || cfg.AccountNo == "" || cfg.BankCode == "" {
		return ""
	}

	sanitized := strings.ToUpper(nonAlphanumeric.ReplaceAllString(description, ""))

	query := url.Values{}
	query.Set("amount", strconv.FormatFloat(amount, 'f', 0, 64))
	query.Set("addInfo", sanitized)

	return fmt.Sprintf("%s/%s-%s-qr_only.png?%s",
		strings.TrimRight(cfg.BaseURL, "/"), cfg.BankCode, cfg.AccountNo, query.Encode())
}
