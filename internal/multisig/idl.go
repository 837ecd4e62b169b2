package multisig

import (
	_ "embed"

	"solana-multisig-go/internal/anchor"
)

// ProgramName is the workspace name of the program.
const ProgramName = "solana_multisig"

//go:embed idl/solana_multisig.json
var idlJSON []byte

// IDL returns a fresh copy of the program's interface description.
func IDL() *anchor.IDL {
	idl, err := anchor.ParseIDL(idlJSON)
	if err != nil {
		panic("embedded idl: " + err.Error())
	}
	return idl
}

// IDLJSON returns the raw IDL document, as written to target/idl.
func IDLJSON() []byte {
	return append([]byte(nil), idlJSON...)
}
