package ingestion

import (
	"encoding/json"
	"fmt"
	"time"

	"SettleLedger/internal/ledger"
	"SettleLedger/internal/store"
)

// Wire envelopes. Extensions arrive nested under extensionList the way the
// scheme API frames them; parsing flattens them onto the domain payloads.

type wireExtension struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

type wireExtensionList struct {
	Extension []wireExtension `json:"extension"`
}

type wirePrepare struct {
	TransferID    string             `json:"transferId"`
	PayerFsp      string             `json:"payerFsp"`
	PayeeFsp      string             `json:"payeeFsp"`
	Amount        ledger.MoneyAmount `json:"amount"`
	ILPPacket     string             `json:"ilpPacket"`
	Condition     string             `json:"condition"`
	Expiration    time.Time          `json:"expiration"`
	ExtensionList *wireExtensionList `json:"extensionList,omitempty"`
}

type wireFulfil struct {
	TransferID         string                   `json:"transferId"`
	TransferState      string                   `json:"transferState,omitempty"`
	Fulfilment         string                   `json:"fulfilment,omitempty"`
	ErrorInformation   *ledger.ErrorInformation `json:"errorInformation,omitempty"`
	CompletedTimestamp time.Time                `json:"completedTimestamp"`
	ExtensionList      *wireExtensionList       `json:"extensionList,omitempty"`
}

type wireFunds struct {
	TransferID            string             `json:"transferId"`
	ParticipantName       string             `json:"participantName"`
	ParticipantCurrencyID int64              `json:"participantCurrencyId"`
	Amount                ledger.MoneyAmount `json:"amount"`
	Reason                string             `json:"reason"`
	ExternalReference     string             `json:"externalReference"`
}

type wireFxPrepare struct {
	CommitRequestID       string             `json:"commitRequestId"`
	DeterminingTransferID string             `json:"determiningTransferId"`
	InitiatingFsp         string             `json:"initiatingFsp"`
	CounterPartyFsp       string             `json:"counterPartyFsp"`
	SourceAmount          ledger.MoneyAmount `json:"sourceAmount"`
	TargetAmount          ledger.MoneyAmount `json:"targetAmount"`
	Condition             string             `json:"condition"`
	Expiration            time.Time          `json:"expiration"`
}

type wireFxFulfil struct {
	CommitRequestID string `json:"commitRequestId"`
	Fulfilment      string `json:"fulfilment,omitempty"`
}

func flattenExtensions(list *wireExtensionList, isFulfilment, isError bool) []ledger.Extension {
	if list == nil {
		return nil
	}
	exts := make([]ledger.Extension, 0, len(list.Extension))
	for _, e := range list.Extension {
		exts = append(exts, ledger.Extension{
			Key:          e.Key,
			Value:        e.Value,
			IsFulfilment: isFulfilment,
			IsError:      isError,
		})
	}
	return exts
}

// ParsePrepare decodes an inbound prepare request.
func ParsePrepare(data []byte) (ledger.PreparePayload, error) {
	var w wirePrepare
	if err := json.Unmarshal(data, &w); err != nil {
		return ledger.PreparePayload{}, fmt.Errorf("decode prepare: %w", err)
	}
	if w.TransferID == "" {
		return ledger.PreparePayload{}, &ledger.ValidationError{Reason: "missing transferId"}
	}
	return ledger.PreparePayload{
		TransferID: w.TransferID,
		PayerFsp:   w.PayerFsp,
		PayeeFsp:   w.PayeeFsp,
		Amount:     w.Amount,
		ILPPacket:  w.ILPPacket,
		Condition:  w.Condition,
		Expiration: w.Expiration,
		Extensions: flattenExtensions(w.ExtensionList, false, false),
	}, nil
}

// ParseFulfil decodes an inbound fulfil/reject/error request and resolves the
// action it carries: errorInformation means ABORT, transferState ABORTED
// means REJECT, anything else is COMMIT.
func ParseFulfil(data []byte) (ledger.FulfilPayload, ledger.Action, error) {
	var w wireFulfil
	if err := json.Unmarshal(data, &w); err != nil {
		return ledger.FulfilPayload{}, "", fmt.Errorf("decode fulfil: %w", err)
	}
	if w.TransferID == "" {
		return ledger.FulfilPayload{}, "", &ledger.ValidationError{Reason: "missing transferId"}
	}

	action := ledger.ActionCommit
	isError := false
	switch {
	case w.ErrorInformation != nil:
		action = ledger.ActionAbort
		isError = true
	case w.TransferState == string(ledger.StateAbortedRejected):
		action = ledger.ActionReject
	}

	p := ledger.FulfilPayload{
		TransferID:         w.TransferID,
		Fulfilment:         w.Fulfilment,
		ErrorInfo:          w.ErrorInformation,
		CompletedTimestamp: w.CompletedTimestamp,
		Extensions:         flattenExtensions(w.ExtensionList, !isError, isError),
	}
	return p, action, nil
}

// ParseFunds decodes an administrative record-funds request.
func ParseFunds(data []byte) (ledger.FundsPayload, error) {
	var w wireFunds
	if err := json.Unmarshal(data, &w); err != nil {
		return ledger.FundsPayload{}, fmt.Errorf("decode funds: %w", err)
	}
	if w.TransferID == "" {
		return ledger.FundsPayload{}, &ledger.ValidationError{Reason: "missing transferId"}
	}
	return ledger.FundsPayload{
		TransferID:            w.TransferID,
		ParticipantName:       w.ParticipantName,
		ParticipantCurrencyID: w.ParticipantCurrencyID,
		Amount:                w.Amount,
		Reason:                w.Reason,
		ExternalReference:     w.ExternalReference,
	}, nil
}

// ParseFxPrepare decodes an inbound conversion prepare request.
func ParseFxPrepare(data []byte, scale int32) (store.FxTransfer, error) {
	var w wireFxPrepare
	if err := json.Unmarshal(data, &w); err != nil {
		return store.FxTransfer{}, fmt.Errorf("decode fx prepare: %w", err)
	}
	if w.CommitRequestID == "" || w.DeterminingTransferID == "" {
		return store.FxTransfer{}, &ledger.ValidationError{Reason: "missing commitRequestId or determiningTransferId"}
	}
	source, err := ledger.ParseAmount(w.SourceAmount.Amount, scale)
	if err != nil {
		return store.FxTransfer{}, err
	}
	target, err := ledger.ParseAmount(w.TargetAmount.Amount, scale)
	if err != nil {
		return store.FxTransfer{}, err
	}
	return store.FxTransfer{
		CommitRequestID:       w.CommitRequestID,
		DeterminingTransferID: w.DeterminingTransferID,
		InitiatingFsp:         w.InitiatingFsp,
		CounterPartyFsp:       w.CounterPartyFsp,
		SourceAmount:          source,
		SourceCurrency:        w.SourceAmount.Currency,
		TargetAmount:          target,
		TargetCurrency:        w.TargetAmount.Currency,
		ILPCondition:          w.Condition,
		ExpirationDate:        w.Expiration.UTC(),
	}, nil
}

// ParseFxFulfil decodes an inbound conversion fulfil request.
func ParseFxFulfil(data []byte) (string, error) {
	var w wireFxFulfil
	if err := json.Unmarshal(data, &w); err != nil {
		return "", fmt.Errorf("decode fx fulfil: %w", err)
	}
	if w.CommitRequestID == "" {
		return "", &ledger.ValidationError{Reason: "missing commitRequestId"}
	}
	return w.CommitRequestID, nil
}
