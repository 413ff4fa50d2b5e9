package types

// Event is the generic attribute bag handed to downstream consumers (RPC
// feeds, indexers, the off-chain minting collaborator).
type Event struct {
	Type       string
	Attributes map[string]string
}
