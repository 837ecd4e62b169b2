package anchor

import (
	"encoding/json"
	"fmt"
	"os"
	"reflect"

	ag_binary "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
	"github.com/stoewer/go-strcase"
)

// IDL is the interface description Anchor emits under target/idl.
type IDL struct {
	Version      string           `json:"version"`
	Name         string           `json:"name"`
	Instructions []IdlInstruction `json:"instructions"`
	Accounts     []IdlTypeDef     `json:"accounts,omitempty"`
	Types        []IdlTypeDef     `json:"types,omitempty"`
	Errors       []IdlErrorCode   `json:"errors,omitempty"`
	Metadata     *IdlMetadata     `json:"metadata,omitempty"`
}

type IdlMetadata struct {
	Address string `json:"address"`
}

type IdlInstruction struct {
	Name     string          `json:"name"`
	Docs     []string        `json:"docs,omitempty"`
	Accounts []IdlAccountRef `json:"accounts"`
	Args     []IdlField      `json:"args"`
}

// IdlAccountRef is an account an instruction expects, in order.
type IdlAccountRef struct {
	Name     string `json:"name"`
	IsMut    bool   `json:"isMut"`
	IsSigner bool   `json:"isSigner"`
}

type IdlField struct {
	Name string  `json:"name"`
	Type IdlType `json:"type"`
}

type IdlTypeDef struct {
	Name string       `json:"name"`
	Type IdlTypeDefTy `json:"type"`
}

type IdlTypeDefTy struct {
	Kind   string     `json:"kind"`
	Fields []IdlField `json:"fields,omitempty"`
}

type IdlErrorCode struct {
	Code uint32 `json:"code"`
	Name string `json:"name"`
	Msg  string `json:"msg,omitempty"`
}

// IdlType is either a primitive name ("u64", "publicKey", ...) or one of the
// compound forms {"vec": T}, {"option": T}, {"array": [T, n]}, {"defined": "Name"}.
type IdlType struct {
	Primitive string
	Vec       *IdlType
	Option    *IdlType
	Array     *IdlType
	ArrayLen  int
	Defined   string
}

func (t *IdlType) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err == nil {
		t.Primitive = name
		return nil
	}
	var obj struct {
		Vec     *IdlType          `json:"vec"`
		Option  *IdlType          `json:"option"`
		Array   []json.RawMessage `json:"array"`
		Defined string            `json:"defined"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return fmt.Errorf("invalid idl type %s: %w", data, err)
	}
	switch {
	case obj.Vec != nil:
		t.Vec = obj.Vec
	case obj.Option != nil:
		t.Option = obj.Option
	case obj.Defined != "":
		t.Defined = obj.Defined
	case len(obj.Array) == 2:
		t.Array = new(IdlType)
		if err := json.Unmarshal(obj.Array[0], t.Array); err != nil {
			return err
		}
		if err := json.Unmarshal(obj.Array[1], &t.ArrayLen); err != nil {
			return fmt.Errorf("invalid array length: %w", err)
		}
	default:
		return fmt.Errorf("unsupported idl type %s", data)
	}
	return nil
}

func (t IdlType) MarshalJSON() ([]byte, error) {
	switch {
	case t.Vec != nil:
		return json.Marshal(map[string]interface{}{"vec": t.Vec})
	case t.Option != nil:
		return json.Marshal(map[string]interface{}{"option": t.Option})
	case t.Array != nil:
		return json.Marshal(map[string]interface{}{"array": []interface{}{t.Array, t.ArrayLen}})
	case t.Defined != "":
		return json.Marshal(map[string]string{"defined": t.Defined})
	}
	return json.Marshal(t.Primitive)
}

func (t IdlType) String() string {
	switch {
	case t.Vec != nil:
		return "vec<" + t.Vec.String() + ">"
	case t.Option != nil:
		return "option<" + t.Option.String() + ">"
	case t.Array != nil:
		return fmt.Sprintf("[%s; %d]", t.Array.String(), t.ArrayLen)
	case t.Defined != "":
		return t.Defined
	}
	return t.Primitive
}

// ParseIDL decodes an IDL document.
func ParseIDL(data []byte) (*IDL, error) {
	var idl IDL
	if err := json.Unmarshal(data, &idl); err != nil {
		return nil, fmt.Errorf("failed to parse idl: %w", err)
	}
	if idl.Name == "" {
		return nil, fmt.Errorf("failed to parse idl: missing program name")
	}
	return &idl, nil
}

// LoadIDL reads an IDL file from disk.
func LoadIDL(path string) (*IDL, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read idl: %w", err)
	}
	return ParseIDL(data)
}

// Address returns the program address recorded in the IDL metadata.
func (idl *IDL) Address() (solana.PublicKey, bool) {
	if idl.Metadata == nil || idl.Metadata.Address == "" {
		return solana.PublicKey{}, false
	}
	pk, err := solana.PublicKeyFromBase58(idl.Metadata.Address)
	if err != nil {
		return solana.PublicKey{}, false
	}
	return pk, true
}

// Instruction looks up an instruction by name. Both create_multisig and
// createMultisig resolve to the same entry.
func (idl *IDL) Instruction(name string) (*IdlInstruction, bool) {
	want := strcase.LowerCamelCase(name)
	for i := range idl.Instructions {
		if strcase.LowerCamelCase(idl.Instructions[i].Name) == want {
			return &idl.Instructions[i], true
		}
	}
	return nil, false
}

// Account looks up an account type by name.
func (idl *IDL) Account(name string) (*IdlTypeDef, bool) {
	want := strcase.UpperCamelCase(name)
	for i := range idl.Accounts {
		if strcase.UpperCamelCase(idl.Accounts[i].Name) == want {
			return &idl.Accounts[i], true
		}
	}
	return nil, false
}

func (idl *IDL) typeDef(name string) (*IdlTypeDef, bool) {
	for i := range idl.Types {
		if idl.Types[i].Name == name {
			return &idl.Types[i], true
		}
	}
	for i := range idl.Accounts {
		if idl.Accounts[i].Name == name {
			return &idl.Accounts[i], true
		}
	}
	return nil, false
}

// Discriminator is the 8-byte instruction prefix.
func (ix *IdlInstruction) Discriminator() []byte {
	return ag_binary.SighashInstruction(ix.Name)
}

// Discriminator is the 8-byte account prefix.
func (def *IdlTypeDef) Discriminator() []byte {
	return ag_binary.SighashAccount(def.Name)
}

var (
	pubkeyType = reflect.TypeOf(solana.PublicKey{})
	bytesType  = reflect.TypeOf([]byte(nil))
)

// checkValue reports whether v can be Borsh-encoded as t.
func (idl *IDL) checkValue(t IdlType, v reflect.Value) error {
	for v.Kind() == reflect.Interface && !v.IsNil() {
		v = v.Elem()
	}
	if !v.IsValid() {
		return fmt.Errorf("expected %s, got nil", t)
	}
	mismatch := func() error {
		return fmt.Errorf("expected %s, got %s", t, v.Type())
	}
	switch {
	case t.Option != nil:
		if v.Kind() != reflect.Ptr {
			return mismatch()
		}
		if v.IsNil() {
			return nil
		}
		return idl.checkValue(*t.Option, v.Elem())
	case t.Vec != nil:
		if v.Kind() != reflect.Slice {
			return mismatch()
		}
		for i := 0; i < v.Len(); i++ {
			if err := idl.checkValue(*t.Vec, v.Index(i)); err != nil {
				return fmt.Errorf("[%d]: %w", i, err)
			}
		}
		return nil
	case t.Array != nil:
		if v.Kind() != reflect.Array || v.Len() != t.ArrayLen {
			return mismatch()
		}
		return nil
	case t.Defined != "":
		def, ok := idl.typeDef(t.Defined)
		if !ok {
			return fmt.Errorf("undefined type %s", t.Defined)
		}
		if v.Kind() == reflect.Ptr {
			v = v.Elem()
		}
		if v.Kind() != reflect.Struct || v.NumField() < len(def.Type.Fields) {
			return mismatch()
		}
		for i, f := range def.Type.Fields {
			if err := idl.checkValue(f.Type, v.Field(i)); err != nil {
				return fmt.Errorf("%s: %w", f.Name, err)
			}
		}
		return nil
	}

	var ok bool
	switch t.Primitive {
	case "bool":
		ok = v.Kind() == reflect.Bool
	case "u8":
		ok = v.Kind() == reflect.Uint8
	case "i8":
		ok = v.Kind() == reflect.Int8
	case "u16":
		ok = v.Kind() == reflect.Uint16
	case "i16":
		ok = v.Kind() == reflect.Int16
	case "u32":
		ok = v.Kind() == reflect.Uint32
	case "i32":
		ok = v.Kind() == reflect.Int32
	case "u64":
		ok = v.Kind() == reflect.Uint64
	case "i64":
		ok = v.Kind() == reflect.Int64
	case "string":
		ok = v.Kind() == reflect.String
	case "bytes":
		ok = v.Type() == bytesType
	case "publicKey", "pubkey":
		ok = v.Type() == pubkeyType
	default:
		return fmt.Errorf("unsupported primitive %q", t.Primitive)
	}
	if !ok {
		return mismatch()
	}
	return nil
}
