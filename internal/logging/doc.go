// Package logging holds the slog conventions of inboxmeet: the process
// logger constructor and the attribute keys every package logs under.
//
// Loggers are built once in cmd with New and passed down. Packages scope
// them with WithService, WithAccount or WithOperation and add per-record
// ids with Negotiation, MessageID and Meeting:
//
//	logger := logging.WithService(base, "negotiation")
//	logger.Info("negotiation transition",
//	    logging.Negotiation(id),
//	    logging.State("CONFIRMED"))
//
// Counterparty addresses are not logged. Use UserHash, which writes a stable
// pseudonym, when records about one sender must be correlated.
package logging
