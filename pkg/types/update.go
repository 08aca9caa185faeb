package types

import (
	"encoding/json"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// UpdateType enumerates the four kinds of channel update.
type UpdateType string

const (
	UpdateTypeSetup   UpdateType = "setup"
	UpdateTypeDeposit UpdateType = "deposit"
	UpdateTypeCreate  UpdateType = "create"
	UpdateTypeResolve UpdateType = "resolve"
)

// UpdateDetails is the kind-specific payload of a ChannelUpdate. Exactly one
// concrete details type exists per update kind, making the transition total
// by case analysis.
type UpdateDetails interface {
	Kind() UpdateType
}

// SetupDetails produces an empty channel.
type SetupDetails struct {
	Timeout        uint64            `json:"timeout"`
	NetworkContext NetworkContext    `json:"networkContext"`
	Participants   [2]common.Address `json:"participants"`
}

func (SetupDetails) Kind() UpdateType { return UpdateTypeSetup }

// DepositDetails carries the on-chain deposit counter the proposer is
// incorporating.
type DepositDetails struct {
	LatestDepositNonce uint64 `json:"latestDepositNonce"`
}

func (DepositDetails) Kind() UpdateType { return UpdateTypeDeposit }

// CreateDetails locks balance under a condition program.
type CreateDetails struct {
	TransferID           common.Hash       `json:"transferId"`
	TransferDefinition   common.Address    `json:"transferDefinition"`
	TransferTimeout      uint64            `json:"transferTimeout"`
	TransferInitialState hexutil.Bytes     `json:"transferInitialState"`
	TransferEncodings    [2]string         `json:"transferEncodings"`
	TransferBalance      Balance           `json:"transferBalance"`
	Meta                 map[string]string `json:"meta,omitempty"`
}

func (CreateDetails) Kind() UpdateType { return UpdateTypeCreate }

// ResolveDetails releases a locked balance per the condition program's
// verdict on the resolver.
type ResolveDetails struct {
	TransferID       common.Hash       `json:"transferId"`
	TransferResolver hexutil.Bytes     `json:"transferResolver"`
	Meta             map[string]string `json:"meta,omitempty"`
}

func (ResolveDetails) Kind() UpdateType { return UpdateTypeResolve }

// ChannelUpdate is a proposed transition between two channel states. Nonce
// equals the post-state nonce. Signature slot 0 belongs to alice, slot 1 to
// bob; an absent signature is left empty.
type ChannelUpdate struct {
	Type           UpdateType       `json:"type"`
	ChannelAddress common.Address   `json:"channelAddress"`
	FromIdentifier PublicIdentifier `json:"fromIdentifier"`
	ToIdentifier   PublicIdentifier `json:"toIdentifier"`
	Nonce          uint64           `json:"nonce"`
	Balance        Balance          `json:"balance"`
	AssetID        common.Address   `json:"assetId"`
	Details        UpdateDetails    `json:"details"`
	Signatures     [2]hexutil.Bytes `json:"signatures"`
}

// Clone returns a deep copy of the update.
func (u *ChannelUpdate) Clone() *ChannelUpdate {
	if u == nil {
		return nil
	}
	out := *u
	out.Balance = u.Balance.Clone()
	for i, sig := range u.Signatures {
		out.Signatures[i] = append(hexutil.Bytes{}, sig...)
	}
	return &out
}

// SignatureCount returns the number of non-empty signature slots.
func (u *ChannelUpdate) SignatureCount() int {
	count := 0
	for _, sig := range u.Signatures {
		if len(sig) > 0 {
			count++
		}
	}
	return count
}

type updateAlias struct {
	Type           UpdateType       `json:"type"`
	ChannelAddress common.Address   `json:"channelAddress"`
	FromIdentifier PublicIdentifier `json:"fromIdentifier"`
	ToIdentifier   PublicIdentifier `json:"toIdentifier"`
	Nonce          uint64           `json:"nonce"`
	Balance        Balance          `json:"balance"`
	AssetID        common.Address   `json:"assetId"`
	Details        json.RawMessage  `json:"details"`
	Signatures     [2]hexutil.Bytes `json:"signatures"`
}

// MarshalJSON flattens the details union behind the type tag.
func (u *ChannelUpdate) MarshalJSON() ([]byte, error) {
	details, err := json.Marshal(u.Details)
	if err != nil {
		return nil, err
	}
	return json.Marshal(updateAlias{
		Type:           u.Type,
		ChannelAddress: u.ChannelAddress,
		FromIdentifier: u.FromIdentifier,
		ToIdentifier:   u.ToIdentifier,
		Nonce:          u.Nonce,
		Balance:        u.Balance,
		AssetID:        u.AssetID,
		Details:        details,
		Signatures:     u.Signatures,
	})
}

// UnmarshalJSON selects the concrete details type from the type tag.
func (u *ChannelUpdate) UnmarshalJSON(data []byte) error {
	var alias updateAlias
	if err := json.Unmarshal(data, &alias); err != nil {
		return err
	}
	u.Type = alias.Type
	u.ChannelAddress = alias.ChannelAddress
	u.FromIdentifier = alias.FromIdentifier
	u.ToIdentifier = alias.ToIdentifier
	u.Nonce = alias.Nonce
	u.Balance = alias.Balance
	u.AssetID = alias.AssetID
	u.Signatures = alias.Signatures

	switch alias.Type {
	case UpdateTypeSetup:
		var details SetupDetails
		if err := json.Unmarshal(alias.Details, &details); err != nil {
			return err
		}
		u.Details = details
	case UpdateTypeDeposit:
		var details DepositDetails
		if err := json.Unmarshal(alias.Details, &details); err != nil {
			return err
		}
		u.Details = details
	case UpdateTypeCreate:
		var details CreateDetails
		if err := json.Unmarshal(alias.Details, &details); err != nil {
			return err
		}
		u.Details = details
	case UpdateTypeResolve:
		var details ResolveDetails
		if err := json.Unmarshal(alias.Details, &details); err != nil {
			return err
		}
		u.Details = details
	default:
		return fmt.Errorf("unrecognized update type: %s", alias.Type)
	}
	return nil
}

func (u *ChannelUpdate) String() string {
	return fmt.Sprintf("%s update on %s nonce=%d sigs=%d", u.Type, u.ChannelAddress.Hex(), u.Nonce, u.SignatureCount())
}
