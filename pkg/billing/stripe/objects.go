package stripe

// Local views of the Stripe objects carried in event.data.object. Only the
// fields used for normalization are decoded, which keeps parsing stable
// across API versions.

type checkoutSession struct {
	ID                string            `json:"id"`
	Mode              string            `json:"mode"`
	PaymentStatus     string            `json:"payment_status"`
	Customer          string            `json:"customer"`
	Subscription      string            `json:"subscription"`
	PaymentIntent     string            `json:"payment_intent"`
	CustomerEmail     string            `json:"customer_email"`
	CustomerDetails   customerDetails   `json:"customer_details"`
	ClientReferenceID string            `json:"client_reference_id"`
	Metadata          map[string]string `json:"metadata"`
}

type customerDetails struct {
	Email string `json:"email"`
}

type subscription struct {
	ID                string            `json:"id"`
	Customer          string            `json:"customer"`
	Status            string            `json:"status"`
	LatestInvoice     string            `json:"latest_invoice"`
	CancelAtPeriodEnd bool              `json:"cancel_at_period_end"`
	CancelAt          int64             `json:"cancel_at"`
	CanceledAt        int64             `json:"canceled_at"`
	CurrentPeriodEnd  int64             `json:"current_period_end"`
	EndedAt           int64             `json:"ended_at"`
	Metadata          map[string]string `json:"metadata"`
	Items             struct {
		Data []subscriptionItem `json:"data"`
	} `json:"items"`
}

type subscriptionItem struct {
	CurrentPeriodEnd int64 `json:"current_period_end"`
	Price            price `json:"price"`
}

type price struct {
	ID        string            `json:"id"`
	Nickname  string            `json:"nickname"`
	LookupKey string            `json:"lookup_key"`
	Product   string            `json:"product"`
	Metadata  map[string]string `json:"metadata"`
}

func (s subscription) scopeCandidates() []string {
	names := []string{s.Metadata["scope"]}
	for _, item := range s.Items.Data {
		names = append(names, item.Price.Metadata["scope"], item.Price.Nickname, item.Price.LookupKey)
	}
	return names
}

type invoice struct {
	ID                  string            `json:"id"`
	Status              string            `json:"status"`
	Customer            string            `json:"customer"`
	CustomerEmail       string            `json:"customer_email"`
	Subscription        string            `json:"subscription"`
	HostedInvoiceURL    string            `json:"hosted_invoice_url"`
	Metadata            map[string]string `json:"metadata"`
	SubscriptionDetails struct {
		Metadata map[string]string `json:"metadata"`
	} `json:"subscription_details"`
	Parent struct {
		SubscriptionDetails struct {
			Subscription string `json:"subscription"`
		} `json:"subscription_details"`
	} `json:"parent"`
	Lines struct {
		Data []invoiceLine `json:"data"`
	} `json:"lines"`
}

// subscriptionID reads the subscription from its pre-2025 location or from
// parent.subscription_details on newer API versions.
func (i invoice) subscriptionID() string {
	if i.Subscription != "" {
		return i.Subscription
	}
	return i.Parent.SubscriptionDetails.Subscription
}

type invoiceLine struct {
	Description string            `json:"description"`
	Metadata    map[string]string `json:"metadata"`
	Period      struct {
		End int64 `json:"end"`
	} `json:"period"`
}

type charge struct {
	ID             string            `json:"id"`
	Customer       string            `json:"customer"`
	PaymentIntent  string            `json:"payment_intent"`
	Description    string            `json:"description"`
	Refunded       bool              `json:"refunded"`
	ReceiptEmail   string            `json:"receipt_email"`
	Metadata       map[string]string `json:"metadata"`
	BillingDetails struct {
		Email string `json:"email"`
	} `json:"billing_details"`
}

type dispute struct {
	ID            string            `json:"id"`
	Charge        string            `json:"charge"`
	PaymentIntent string            `json:"payment_intent"`
	Status        string            `json:"status"`
	Metadata      map[string]string `json:"metadata"`
	Evidence      struct {
		CustomerEmailAddress string `json:"customer_email_address"`
	} `json:"evidence"`
}
