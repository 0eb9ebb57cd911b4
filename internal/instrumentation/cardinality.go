package instrumentation

import "strings"

// Google API operation labels.
const (
	OperationList     = "list"
	OperationGet      = "get"
	OperationCreate   = "create"
	OperationDelete   = "delete"
	OperationSend     = "send"
	OperationFreeBusy = "freebusy"
	OperationModify   = "modify"
)

// ExtractUserDomain returns the domain of an address, or "unknown". Logs
// and labels carry the domain so mailboxes and counterparties are not
// exposed and label cardinality stays bounded.
func ExtractUserDomain(email string) string {
	_, domain, ok := strings.Cut(email, "@")
	if !ok || domain == "" || strings.Contains(domain, "@") {
		return "unknown"
	}
	return domain
}
