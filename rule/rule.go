// Package rule defines the in-memory rule record consumed by the compiler:
// an immutable (Trigger, Action) pair produced by an external rule-list
// decoder and dropped once the action serializer and URL-pattern parser
// have consumed it.
package rule

import "fmt"

// Flag is the 16-bit trigger flag mask. Bits are opaque to the matcher
// except as bits compared against a query mask; the named constants below
// cover the usual load-type and resource-type contexts and are provided
// purely for caller convenience.
type Flag uint16

const (
	FlagDocument Flag = 1 << iota
	FlagImage
	FlagStyleSheet
	FlagScript
	FlagFont
	FlagRaw
	FlagSVGDocument
	FlagMedia
	FlagPopup
	FlagPing
	FlagThirdParty
	FlagFirstParty
	FlagIfDomain
	FlagUnlessDomain
)

// Trigger carries the URL pattern, its case sensitivity, and the flag mask.
// All fields are comparable so two Triggers can be compared with ==, which
// the action serializer relies on to detect adjacent rules with identical
// triggers.
type Trigger struct {
	Pattern       string
	CaseSensitive bool
	Flags         Flag
}

// ActionKind tags the variant carried by an Action.
type ActionKind uint8

const (
	// ActionInvalid is the zero-value sentinel. It must never appear in a
	// Rule handed to the compiler; its presence is a programming error in
	// the caller, not a recoverable condition.
	ActionInvalid ActionKind = iota
	ActionBlockLoad
	ActionBlockCookies
	ActionIgnorePreviousRules
	ActionCssDisplayNoneSelector
	// ActionCssDisplayNoneStyleSheet is emitted only by the action package's
	// Consolidate post-processor, never by a rule-list decoder.
	ActionCssDisplayNoneStyleSheet
)

// Opcode byte values for the action-buffer binary layout.
const (
	OpBlockLoad                byte = 0x01
	OpBlockCookies             byte = 0x02
	OpIgnorePreviousRules      byte = 0x03
	OpCssDisplayNoneSelector   byte = 0x04
	OpCssDisplayNoneStyleSheet byte = 0x05
)

// Opcode returns the action-buffer opcode byte for this Action's kind.
// Panics for ActionInvalid, since that kind must never reach serialization.
func (k ActionKind) Opcode() byte {
	switch k {
	case ActionBlockLoad:
		return OpBlockLoad
	case ActionBlockCookies:
		return OpBlockCookies
	case ActionIgnorePreviousRules:
		return OpIgnorePreviousRules
	case ActionCssDisplayNoneSelector:
		return OpCssDisplayNoneSelector
	case ActionCssDisplayNoneStyleSheet:
		return OpCssDisplayNoneStyleSheet
	default:
		panic(fmt.Sprintf("rule: Opcode called on invalid action kind %d", k))
	}
}

func (k ActionKind) String() string {
	switch k {
	case ActionInvalid:
		return "Invalid"
	case ActionBlockLoad:
		return "BlockLoad"
	case ActionBlockCookies:
		return "BlockCookies"
	case ActionIgnorePreviousRules:
		return "IgnorePreviousRules"
	case ActionCssDisplayNoneSelector:
		return "CssDisplayNoneSelector"
	case ActionCssDisplayNoneStyleSheet:
		return "CssDisplayNoneStyleSheet"
	default:
		return fmt.Sprintf("Unknown(%d)", k)
	}
}

// Action is a tagged-variant sum type. Selector is meaningful only for the
// two CSS-selector kinds; it is ignored (and should be empty) otherwise.
type Action struct {
	Kind     ActionKind
	Selector string
}

// Equal reports whether two actions would serialize to the identical
// action-buffer record. Used by the action serializer to reuse the
// previous rule's offset instead of emitting a duplicate record.
func (a Action) Equal(other Action) bool {
	if a.Kind != other.Kind {
		return false
	}
	switch a.Kind {
	case ActionCssDisplayNoneSelector, ActionCssDisplayNoneStyleSheet:
		return a.Selector == other.Selector
	default:
		return true
	}
}

func (a Action) String() string {
	switch a.Kind {
	case ActionCssDisplayNoneSelector, ActionCssDisplayNoneStyleSheet:
		return fmt.Sprintf("%s(%q)", a.Kind, a.Selector)
	default:
		return a.Kind.String()
	}
}

// Rule is the immutable (Trigger, Action) record ingested by the compiler.
type Rule struct {
	Trigger Trigger
	Action  Action
}

// BlockLoad returns a Rule that blocks a load matching pattern.
func BlockLoad(pattern string, caseSensitive bool, flags Flag) Rule {
	return Rule{
		Trigger: Trigger{Pattern: pattern, CaseSensitive: caseSensitive, Flags: flags},
		Action:  Action{Kind: ActionBlockLoad},
	}
}

// BlockCookies returns a Rule that blocks cookies for loads matching pattern.
func BlockCookies(pattern string, caseSensitive bool, flags Flag) Rule {
	return Rule{
		Trigger: Trigger{Pattern: pattern, CaseSensitive: caseSensitive, Flags: flags},
		Action:  Action{Kind: ActionBlockCookies},
	}
}

// IgnorePreviousRules returns a Rule that resets previously accumulated
// actions for loads matching pattern.
func IgnorePreviousRules(pattern string, caseSensitive bool, flags Flag) Rule {
	return Rule{
		Trigger: Trigger{Pattern: pattern, CaseSensitive: caseSensitive, Flags: flags},
		Action:  Action{Kind: ActionIgnorePreviousRules},
	}
}

// HideSelector returns a Rule that hides elements matching the CSS selector
// on loads matching pattern.
func HideSelector(pattern string, caseSensitive bool, flags Flag, selector string) Rule {
	return Rule{
		Trigger: Trigger{Pattern: pattern, CaseSensitive: caseSensitive, Flags: flags},
		Action:  Action{Kind: ActionCssDisplayNoneSelector, Selector: selector},
	}
}

// ActionKey is the 64-bit value packing (flag-mask, action-offset) that is
// propagated through the NFA/DFA accept sets, emitted by AppendAction and
// TestFlagsAndAppend bytecode instructions, and returned by the matcher.
// It is treated as opaque by the automata and only unpacked at the matcher
// boundary.
type ActionKey uint64

// NewActionKey packs a flag mask and action-buffer offset into a key.
func NewActionKey(flags Flag, offset uint32) ActionKey {
	return ActionKey(uint64(flags)<<32 | uint64(offset))
}

// Flags returns the flag-mask component of the key.
func (k ActionKey) Flags() Flag { return Flag(uint64(k) >> 32) }

// Offset returns the action-buffer offset component of the key.
func (k ActionKey) Offset() uint32 { return uint32(k) }
