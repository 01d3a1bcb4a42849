package ledger

import "time"

// Extension is free-form key/value metadata attached to a transfer. The
// flags record which request supplied it.
type Extension struct {
	Key          string
	Value        string
	IsFulfilment bool
	IsError      bool
}

// MoneyAmount is the (amount, currency) pair as it arrives on the wire.
type MoneyAmount struct {
	Amount   string `json:"amount"`
	Currency string `json:"currency"`
}

// PreparePayload is the validated inbound prepare request.
type PreparePayload struct {
	TransferID string      `json:"transferId"`
	PayerFsp   string      `json:"payerFsp"`
	PayeeFsp   string      `json:"payeeFsp"`
	Amount     MoneyAmount `json:"amount"`
	ILPPacket  string      `json:"ilpPacket"`
	Condition  string      `json:"condition"`
	Expiration time.Time   `json:"expiration"`
	Extensions []Extension `json:"-"`
}

// ErrorInformation carries an inbound error outcome.
type ErrorInformation struct {
	ErrorCode        int    `json:"errorCode"`
	ErrorDescription string `json:"errorDescription"`
}

// FulfilPayload is the validated inbound fulfil/reject/error request.
// Exactly one of Fulfilment or ErrorInfo is set.
type FulfilPayload struct {
	TransferID         string            `json:"transferId"`
	Fulfilment         string            `json:"fulfilment,omitempty"`
	ErrorInfo          *ErrorInformation `json:"errorInformation,omitempty"`
	CompletedTimestamp time.Time         `json:"completedTimestamp"`
	Extensions         []Extension       `json:"-"`
}

// FundsPayload is the inbound administrative record-funds request.
type FundsPayload struct {
	TransferID            string      `json:"transferId"`
	ParticipantName       string      `json:"participantName"`
	ParticipantCurrencyID int64       `json:"participantCurrencyId"`
	Amount                MoneyAmount `json:"amount"`
	Reason                string      `json:"reason"`
	ExternalReference     string      `json:"externalReference"`
}
