package mrnes

// param.go holds the opaque parameter-blob representation carried by
// CONFIG_LOSS_MODEL / CONFIG_DELAY_MODEL wire messages. The core never
// introspects a model's parameters; it only needs to serialize,
// deserialize, and compare them. An AttrbStruct is a flat name/value
// pair naming one parameter a configured propagation model exposes.

import (
	"encoding/json"
	"fmt"
	"gopkg.in/yaml.v3"
	"os"
	"path"
	"strings"
)

// AttrbStruct holds the name of an attribute and a value for it
type AttrbStruct struct {
	AttrbName, AttrbValue string
}

// CreateAttrbStruct is a constructor
func CreateAttrbStruct(attrbName, attrbValue string) *AttrbStruct {
	as := new(AttrbStruct)
	as.AttrbName = attrbName
	as.AttrbValue = attrbValue
	return as
}

// EqAttrbs determines whether the two attribute lists are exactly the same
func EqAttrbs(attrbs1, attrbs2 []AttrbStruct) bool {
	if len(attrbs1) != len(attrbs2) {
		return false
	}

	for _, attrb1 := range attrbs1 {
		found := false
		for _, attrb2 := range attrbs2 {
			if attrb1.AttrbName == attrb2.AttrbName && attrb1.AttrbValue == attrb2.AttrbValue {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}

	for _, attrb2 := range attrbs2 {
		found := false
		for _, attrb1 := range attrbs1 {
			if attrb2.AttrbName == attrb1.AttrbName && attrb2.AttrbValue == attrb1.AttrbValue {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}

	return true
}

// ModelKind distinguishes which half of the propagation model a
// ModelSpec configures, matching the wire's config_type encoding
// (0=delay, 1=loss).
type ModelKind int

const (
	DelayModel ModelKind = 0
	LossModel  ModelKind = 1
)

// ModelSpec is the in-memory, opaque-to-the-core representation of a
// propagation loss or delay model's configuration. TypeHash is carried,
// compared and logged alongside the Attrbs; the core never interprets
// Attrbs itself, it only carries them between the stub and the channel
// processor, whose configured models read their attributes from it
// regardless of TypeHash.
type ModelSpec struct {
	Kind     ModelKind     `json:"kind" yaml:"kind"`
	TypeHash uint32        `json:"typehash" yaml:"typehash"`
	Attrbs   []AttrbStruct `json:"attrbs" yaml:"attrbs"`
}

// CreateModelSpec is a constructor.
func CreateModelSpec(kind ModelKind, typeHash uint32) *ModelSpec {
	ms := new(ModelSpec)
	ms.Kind = kind
	ms.TypeHash = typeHash
	ms.Attrbs = make([]AttrbStruct, 0)
	return ms
}

// AddAttrb appends a parameter to the model spec. Duplicate names are
// rejected rather than silently overwritten.
func (ms *ModelSpec) AddAttrb(name, value string) error {
	for _, a := range ms.Attrbs {
		if a.AttrbName == name {
			return fmt.Errorf("attribute %s already set on model spec", name)
		}
	}
	ms.Attrbs = append(ms.Attrbs, *CreateAttrbStruct(name, value))
	return nil
}

// Get returns the value of a named attribute and whether it was present.
func (ms *ModelSpec) Get(name string) (string, bool) {
	for _, a := range ms.Attrbs {
		if a.AttrbName == name {
			return a.AttrbValue, true
		}
	}
	return "", false
}

// Eq reports whether two ModelSpecs carry the same configuration.
func (ms *ModelSpec) Eq(other *ModelSpec) bool {
	if ms.Kind != other.Kind || ms.TypeHash != other.TypeHash {
		return false
	}
	return EqAttrbs(ms.Attrbs, other.Attrbs)
}

// EncodeAttrbParams serializes an attribute list to the wire's opaque
// "name=value;name2=value2" CONFIG body params blob. The core never
// parses the result itself; it only round-trips it between a stub and
// the channel processor.
func EncodeAttrbParams(attrbs []AttrbStruct) []byte {
	parts := make([]string, 0, len(attrbs))
	for _, a := range attrbs {
		parts = append(parts, a.AttrbName+"="+a.AttrbValue)
	}
	return []byte(strings.Join(parts, ";"))
}

// ParseAttrbParams is the inverse of EncodeAttrbParams. Malformed pairs
// (missing "=") are skipped rather than rejected outright, since the
// params blob is opaque to the core by design.
func ParseAttrbParams(params []byte) []AttrbStruct {
	if len(params) == 0 {
		return nil
	}
	var out []AttrbStruct
	for _, pair := range strings.Split(string(params), ";") {
		if pair == "" {
			continue
		}
		kv := strings.SplitN(pair, "=", 2)
		if len(kv) != 2 {
			continue
		}
		out = append(out, *CreateAttrbStruct(kv[0], kv[1]))
	}
	return out
}

// ModelSpecDict holds named ModelSpecs. Neither rank binary loads one at
// bootstrap; a loss/delay model reaches the channel processor only
// through a CONFIG message.
type ModelSpecDict struct {
	DictName string               `json:"dictname" yaml:"dictname"`
	Specs    map[string]ModelSpec `json:"specs" yaml:"specs"`
}

// CreateModelSpecDict is a constructor.
func CreateModelSpecDict(name string) *ModelSpecDict {
	msd := new(ModelSpecDict)
	msd.DictName = name
	msd.Specs = make(map[string]ModelSpec)
	return msd
}

// AddModelSpec adds the spec to the dictionary under the given name. An
// error is returned if overwrite is false and the name is already present.
func (msd *ModelSpecDict) AddModelSpec(name string, ms *ModelSpec, overwrite bool) error {
	if !overwrite {
		if _, present := msd.Specs[name]; present {
			return fmt.Errorf("attempt to overwrite model spec %s", name)
		}
	}
	msd.Specs[name] = *ms
	return nil
}

// RecoverModelSpec returns the named ModelSpec and whether it was found.
func (msd *ModelSpecDict) RecoverModelSpec(name string) (*ModelSpec, bool) {
	ms, present := msd.Specs[name]
	if present {
		return &ms, true
	}
	return nil, false
}

// WriteToFile stores the ModelSpecDict to the file whose name is given.
// Serialization to json or to yaml is selected based on the extension.
func (msd *ModelSpecDict) WriteToFile(filename string) error {
	pathExt := path.Ext(filename)
	var bytes []byte
	var merr error

	if pathExt == ".yaml" || pathExt == ".YAML" || pathExt == ".yml" {
		bytes, merr = yaml.Marshal(*msd)
	} else {
		bytes, merr = json.MarshalIndent(*msd, "", "\t")
	}
	if merr != nil {
		return merr
	}

	f, cerr := os.Create(filename)
	if cerr != nil {
		return cerr
	}
	defer f.Close()
	_, werr := f.WriteString(string(bytes[:]))
	return werr
}

// ReadModelSpecDict deserializes a ModelSpecDict from bytes, or from the
// named file if dict is empty.
func ReadModelSpecDict(filename string, useYAML bool, dict []byte) (*ModelSpecDict, error) {
	var err error
	if len(dict) == 0 {
		dict, err = os.ReadFile(filename)
		if err != nil {
			return nil, err
		}
	}

	msd := ModelSpecDict{}
	if useYAML {
		err = yaml.Unmarshal(dict, &msd)
	} else {
		err = json.Unmarshal(dict, &msd)
	}
	if err != nil {
		return nil, err
	}

	return &msd, nil
}
