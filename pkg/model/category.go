package model

// ThreatCategory names a class of malicious behaviour. Values are persisted
// by name in ban reasons and security logs, so they must never be renamed.
type ThreatCategory string

const (
	CategorySystemCommands  ThreatCategory = "systemCommands"
	CategoryFileAttacks     ThreatCategory = "fileAttacks"
	CategoryResourceAttacks ThreatCategory = "resourceAttacks"
	CategoryNetworkAttacks  ThreatCategory = "networkAttacks"
	CategoryDataTheft       ThreatCategory = "dataTheft"
	CategoryCryptoMining    ThreatCategory = "cryptoMining"
	CategoryRansomware      ThreatCategory = "ransomware"
)

func (c ThreatCategory) String() string {
	return string(c)
}
