package notify

import (
	"regexp"
	"strconv"
	"strings"

	"gitlab.com/satstall/satstall/models/orders"
	"gitlab.com/satstall/satstall/models/settings"
)

var placeholderRe = regexp.MustCompile(`\{\{\s*(\w+)\s*\}\}`)

// Render substitutes {{placeholder}} occurrences with values from data.
// Unknown placeholders render as the empty string.
func Render(template string, data map[string]string) string {
	return placeholderRe.ReplaceAllStringFunc(template, func(match string) string {
		name := placeholderRe.FindStringSubmatch(match)[1]
		return data[name]
	})
}

// placeholderData collects every placeholder the templates may use.
func placeholderData(order orders.Order, s settings.Settings, state orders.Status) map[string]string {
	productTitle := ""
	if len(order.Items) > 0 {
		productTitle = order.Items[0].Title
	}

	paymentHash := ""
	if order.PaymentHash != nil {
		paymentHash = *order.PaymentHash
	}

	address := strings.TrimSpace(strings.Join(nonEmpty(
		order.ShipAddress1, order.ShipAddress2,
		order.ShipPostcode, order.ShipCity, order.ShipCountry), ", "))

	return map[string]string{
		"storeName":    s.StoreName,
		"orderId":      order.ID,
		"status":       string(state),
		"statusLabel":  state.Label(),
		"totalSats":    strconv.FormatInt(order.TotalSats, 10),
		"subtotalSats": strconv.FormatInt(order.SubtotalSats, 10),
		"shippingSats": strconv.FormatInt(order.ShippingSats, 10),
		"courier":      order.Courier,
		"tracking":     order.Tracking,
		"productTitle": productTitle,
		"customerName": order.ShipName,
		"address":      address,
		"createdAt":    order.CreatedAt.UTC().Format("2006-01-02 15:04"),
		"paymentHash":  paymentHash,
	}
}

func nonEmpty(parts ...string) []string {
	var out []string
	for _, p := range parts {
		if strings.TrimSpace(p) != "" {
			out = append(out, p)
		}
	}
	return out
}
