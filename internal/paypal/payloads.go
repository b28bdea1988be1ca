package paypal

import (
	"github.com/chinmina/checkout-bridge/internal/config"
	"github.com/shopspring/decimal"
)

// Request bodies for the processor API. Amounts are rendered as strings with
// two fraction digits.

type orderRequest struct {
	Intent        string         `json:"intent"`
	PurchaseUnits []purchaseUnit `json:"purchase_units"`
	NoteToPayer   string         `json:"note_to_payer"`
	RedirectURLs  redirectURLs   `json:"redirect_urls"`
}

type purchaseUnit struct {
	Amount      orderAmount `json:"amount"`
	Description string      `json:"description"`
	ItemList    itemList    `json:"item_list"`
}

type orderAmount struct {
	Value        string `json:"value"`
	CurrencyCode string `json:"currency_code"`
}

type paymentRequest struct {
	Intent       string        `json:"intent"`
	Payer        payer         `json:"payer"`
	Transactions []transaction `json:"transactions"`
	NoteToPayer  string        `json:"note_to_payer"`
	RedirectURLs redirectURLs  `json:"redirect_urls"`
}

type payer struct {
	PaymentMethod string `json:"payment_method"`
}

type transaction struct {
	Amount      paymentAmount `json:"amount"`
	Description string        `json:"description"`
	ItemList    itemList      `json:"item_list"`
}

type paymentAmount struct {
	Total    string        `json:"total"`
	Currency string        `json:"currency"`
	Details  amountDetails `json:"details"`
}

type amountDetails struct {
	Subtotal string `json:"subtotal"`
	Shipping string `json:"shipping"`
}

type itemList struct {
	Items []item `json:"items"`
}

type item struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Quantity    string `json:"quantity"`
	Price       string `json:"price"`
	Tax         string `json:"tax"`
	SKU         string `json:"sku"`
	Currency    string `json:"currency"`
}

type redirectURLs struct {
	ReturnURL string `json:"return_url"`
	CancelURL string `json:"cancel_url"`
}

type executeRequest struct {
	PayerID string `json:"payer_id"`
}

func money(d decimal.Decimal) string {
	return d.StringFixed(2)
}

func newOrderRequest(cfg config.CheckoutConfig, total decimal.Decimal) orderRequest {
	return orderRequest{
		Intent: "CAPTURE",
		PurchaseUnits: []purchaseUnit{
			{
				Amount: orderAmount{
					Value:        money(total),
					CurrencyCode: cfg.Currency,
				},
				Description: cfg.Profile.Description,
				ItemList:    singleItem(cfg, total),
			},
		},
		NoteToPayer:  cfg.Profile.NoteToPayer,
		RedirectURLs: redirects(cfg),
	}
}

func newPaymentRequest(cfg config.CheckoutConfig, subtotal, total decimal.Decimal) paymentRequest {
	return paymentRequest{
		Intent: "sale",
		Payer:  payer{PaymentMethod: "paypal"},
		Transactions: []transaction{
			{
				Amount: paymentAmount{
					Total:    money(total),
					Currency: cfg.Currency,
					Details: amountDetails{
						Subtotal: money(subtotal),
						Shipping: money(cfg.ShippingFee),
					},
				},
				Description: cfg.Profile.Description,
				ItemList:    singleItem(cfg, subtotal),
			},
		},
		NoteToPayer:  cfg.Profile.NoteToPayer,
		RedirectURLs: redirects(cfg),
	}
}

func singleItem(cfg config.CheckoutConfig, price decimal.Decimal) itemList {
	return itemList{
		Items: []item{
			{
				Name:        cfg.Profile.Item.Name,
				Description: cfg.Profile.Item.Description,
				Quantity:    "1",
				Price:       money(price),
				Tax:         "0.00",
				SKU:         cfg.Profile.Item.SKU,
				Currency:    cfg.Currency,
			},
		},
	}
}

func redirects(cfg config.CheckoutConfig) redirectURLs {
	return redirectURLs{
		ReturnURL: cfg.ReturnURL,
		CancelURL: cfg.CancelURL,
	}
}
