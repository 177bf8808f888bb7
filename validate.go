package paygate

import "fmt"

// ValidatePaymentRequest performs basic validation before a request is sent.
func ValidatePaymentRequest(r PaymentRequest) error {
	if len(r.AcceptedFunds) == 0 {
		return fmt.Errorf("at least one accepted funds option is required")
	}
	for _, funds := range r.AcceptedFunds {
		if err := ValidateFunds(funds); err != nil {
			return err
		}
	}
	if r.Recipient == "" {
		return fmt.Errorf("payment recipient is required")
	}
	if r.Reference == "" {
		return fmt.Errorf("payment reference is required")
	}
	if r.DeadlineSeconds <= 0 {
		return fmt.Errorf("deadline must be positive")
	}
	return nil
}

// ValidateFunds checks a funds tuple for structural completeness and a
// parseable amount.
func ValidateFunds(f Funds) error {
	if f.Currency == "" {
		return fmt.Errorf("funds currency is required")
	}
	if f.PaymentMethod == "" {
		return fmt.Errorf("funds payment method is required")
	}
	if _, err := BaseUnits(f); err != nil {
		return err
	}
	return nil
}

// ValidateCommitPayment performs basic validation on an inbound commitment.
func ValidateCommitPayment(c CommitPayment) error {
	if c.TransactionID == "" {
		return fmt.Errorf("transaction id is required")
	}
	if c.Funds.Currency == "" || c.Funds.PaymentMethod == "" {
		return fmt.Errorf("funds are required")
	}
	return nil
}

// ValidateChatMessage performs basic validation on an inbound chat message.
func ValidateChatMessage(m ChatMessage) error {
	if m.SenderID == "" {
		return fmt.Errorf("sender id is required")
	}
	if m.SessionID == "" {
		return fmt.Errorf("session id is required")
	}
	if m.MsgID == "" {
		return fmt.Errorf("msg id is required")
	}
	return nil
}
