package internal

const (
	QuotationRejected = "rejected"
	QuotationClosed   = "closed"
	EnquiryExpired    = "expired"
)

// IsChatDisabled decides whether a quotation's chat accepts new messages.
// A closed quotation stays open for chat only when its enquiry expired; any
// other close means a newer quotation superseded it.
func IsChatDisabled(quotationStatus, enquiryStatus string) bool {
	switch quotationStatus {
	case QuotationRejected:
		return true
	case QuotationClosed:
		return enquiryStatus != EnquiryExpired
	}
	return false
}

// ChatDisabledReason is the text shown next to a grayed-out input. Empty when enabled.
func ChatDisabledReason(quotationStatus, enquiryStatus string) string {
	if !IsChatDisabled(quotationStatus, enquiryStatus) {
		return ""
	}
	if quotationStatus == QuotationRejected {
		return "This quotation was rejected. Chat is closed."
	}
	return "This quotation was closed because a newer quotation replaced it."
}
