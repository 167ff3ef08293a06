package domain

import (
	"encoding/json"
	"strings"
	"time"
)

// DocumentFieldSuffix is appended to a document key to name the field that
// carries the uploaded file URL, e.g. "aadhar" -> "aadharFilePath".
const DocumentFieldSuffix = "FilePath"

// DocumentField returns the record field name for a document key.
func DocumentField(key string) string {
	return key + DocumentFieldSuffix
}

// DocumentKeyFromField reverses DocumentField. It reports false for fields
// that do not carry a document URL.
func DocumentKeyFromField(field string) (string, bool) {
	if len(field) <= len(DocumentFieldSuffix) || !strings.HasSuffix(field, DocumentFieldSuffix) {
		return "", false
	}
	return strings.TrimSuffix(field, DocumentFieldSuffix), true
}

type Address struct {
	Street       string `json:"street,omitempty"`
	WardNumber   string `json:"wardNumber,omitempty"`
	Constituency string `json:"constituency,omitempty"`
	City         string `json:"city,omitempty"`
	State        string `json:"state,omitempty"`
	PostCode     string `json:"postCode,omitempty"`
	Country      string `json:"country,omitempty"`
}

// AddressFields lists the flat form field names that populate Address.
var AddressFields = []string{"street", "wardNumber", "constituency", "city", "state", "postCode", "country"}

// Field returns the slot for a flat address field name, or nil when name is
// not one of AddressFields.
func (a *Address) Field(name string) *string {
	switch name {
	case "street":
		return &a.Street
	case "wardNumber":
		return &a.WardNumber
	case "constituency":
		return &a.Constituency
	case "city":
		return &a.City
	case "state":
		return &a.State
	case "postCode":
		return &a.PostCode
	case "country":
		return &a.Country
	}
	return nil
}

// Agent is a field agent record. Documents maps a document key (for example
// "pan") to the blob URL of the uploaded file; on the wire each entry is
// rendered as a top-level "<key>FilePath" field.
type Agent struct {
	AgentID      string            `json:"agentId"`
	FirstName    string            `json:"firstName"`
	LastName     string            `json:"lastName"`
	Email        string            `json:"email"`
	MobileNumber string            `json:"mobileNumber"`
	Gender       string            `json:"gender"`
	DateOfBirth  string            `json:"dateOfBirth"`
	Address      Address           `json:"address"`
	Documents    map[string]string `json:"-"`
	CreatedAt    time.Time         `json:"createdAt"`
	UpdatedAt    time.Time         `json:"updatedAt"`
}

func (a Agent) MarshalJSON() ([]byte, error) {
	type plain Agent
	raw, err := json.Marshal(plain(a))
	if err != nil {
		return nil, err
	}
	if len(a.Documents) == 0 {
		return raw, nil
	}
	fields := map[string]json.RawMessage{}
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, err
	}
	for key, url := range a.Documents {
		encoded, err := json.Marshal(url)
		if err != nil {
			return nil, err
		}
		fields[DocumentField(key)] = encoded
	}
	return json.Marshal(fields)
}

func (a *Agent) UnmarshalJSON(data []byte) error {
	type plain Agent
	var decoded plain
	if err := json.Unmarshal(data, &decoded); err != nil {
		return err
	}
	fields := map[string]json.RawMessage{}
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	for field, raw := range fields {
		key, ok := DocumentKeyFromField(field)
		if !ok {
			continue
		}
		var url string
		if err := json.Unmarshal(raw, &url); err != nil {
			return err
		}
		if decoded.Documents == nil {
			decoded.Documents = map[string]string{}
		}
		decoded.Documents[key] = url
	}
	*a = Agent(decoded)
	return nil
}

// AgentInput is the normalized create request for an agent.
type AgentInput struct {
	FirstName    string
	LastName     string
	Email        string
	MobileNumber string
	Gender       string
	DateOfBirth  string
	Address      Address
}

// AddressPatch carries optional address sub-field replacements.
type AddressPatch struct {
	Street       *string `json:"street"`
	WardNumber   *string `json:"wardNumber"`
	Constituency *string `json:"constituency"`
	City         *string `json:"city"`
	State        *string `json:"state"`
	PostCode     *string `json:"postCode"`
	Country      *string `json:"country"`
}

// Field is the patch counterpart of Address.Field.
func (p *AddressPatch) Field(name string) **string {
	switch name {
	case "street":
		return &p.Street
	case "wardNumber":
		return &p.WardNumber
	case "constituency":
		return &p.Constituency
	case "city":
		return &p.City
	case "state":
		return &p.State
	case "postCode":
		return &p.PostCode
	case "country":
		return &p.Country
	}
	return nil
}

func (p *AddressPatch) IsEmpty() bool {
	return p == nil || (p.Street == nil && p.WardNumber == nil && p.Constituency == nil &&
		p.City == nil && p.State == nil && p.PostCode == nil && p.Country == nil)
}

// Apply overlays the provided sub-fields onto addr.
func (p *AddressPatch) Apply(addr *Address) {
	if p == nil {
		return
	}
	setIf(&addr.Street, p.Street)
	setIf(&addr.WardNumber, p.WardNumber)
	setIf(&addr.Constituency, p.Constituency)
	setIf(&addr.City, p.City)
	setIf(&addr.State, p.State)
	setIf(&addr.PostCode, p.PostCode)
	setIf(&addr.Country, p.Country)
}

// AgentPatch is a partial update. Nil fields are left untouched; Documents
// entries are merged key by key.
type AgentPatch struct {
	FirstName    *string           `json:"firstName"`
	LastName     *string           `json:"lastName"`
	Email        *string           `json:"email"`
	MobileNumber *string           `json:"mobileNumber"`
	Gender       *string           `json:"gender"`
	DateOfBirth  *string           `json:"dateOfBirth"`
	Address      *AddressPatch     `json:"address"`
	Documents    map[string]string `json:"-"`
}

func (p AgentPatch) IsEmpty() bool {
	return p.FirstName == nil && p.LastName == nil && p.Email == nil && p.MobileNumber == nil &&
		p.Gender == nil && p.DateOfBirth == nil && p.Address.IsEmpty() && len(p.Documents) == 0
}

// Apply merges the patch into a copy of agent and returns it.
func (p AgentPatch) Apply(agent Agent) Agent {
	setIf(&agent.FirstName, p.FirstName)
	setIf(&agent.LastName, p.LastName)
	setIf(&agent.Email, p.Email)
	setIf(&agent.MobileNumber, p.MobileNumber)
	setIf(&agent.Gender, p.Gender)
	setIf(&agent.DateOfBirth, p.DateOfBirth)
	p.Address.Apply(&agent.Address)
	if len(p.Documents) > 0 {
		merged := make(map[string]string, len(agent.Documents)+len(p.Documents))
		for k, v := range agent.Documents {
			merged[k] = v
		}
		for k, v := range p.Documents {
			merged[k] = v
		}
		agent.Documents = merged
	}
	return agent
}

type User struct {
	UserID        string    `json:"userId"`
	Username      string    `json:"username"`
	Email         string    `json:"email"`
	OfficialEmail string    `json:"officialEmail"`
	Role          string    `json:"role"`
	PasswordHash  string    `json:"-"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// UserPatch replaces the provided user fields. PasswordHash is set by the
// application after hashing, never from client input directly.
type UserPatch struct {
	Username      *string
	Email         *string
	OfficialEmail *string
	Role          *string
	PasswordHash  *string
}

func (p UserPatch) IsEmpty() bool {
	return p.Username == nil && p.Email == nil && p.OfficialEmail == nil && p.Role == nil && p.PasswordHash == nil
}

func (p UserPatch) Apply(user User) User {
	setIf(&user.Username, p.Username)
	setIf(&user.Email, p.Email)
	setIf(&user.OfficialEmail, p.OfficialEmail)
	setIf(&user.Role, p.Role)
	setIf(&user.PasswordHash, p.PasswordHash)
	return user
}

func setIf(dst *string, v *string) {
	if v != nil {
		*dst = *v
	}
}
