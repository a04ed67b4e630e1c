// Package action implements the action serializer: it encodes the
// tagged-variant actions carried by a rule list into a single append-only
// byte buffer, coalescing adjacent CSS-selector actions that share a
// trigger and reusing offsets for byte-identical consecutive actions.
package action

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strings"
	"unicode/utf16"

	"github.com/coregx/contentfilter/rule"
)

// ErrInvalidAction indicates rule.ActionInvalid reached the serializer.
// The parser that produced the rule list must never emit this kind; its
// appearance here is a programming error in the caller, not a recoverable
// condition.
var ErrInvalidAction = errors.New("action: invalid action reached serializer")

// ErrActionTooLarge indicates a selector's length overflows the 32-bit
// length field of the action-buffer record.
var ErrActionTooLarge = errors.New("action: selector too large to encode")

// InvalidActionError wraps ErrInvalidAction with the offending rule index.
type InvalidActionError struct {
	RuleIndex int
}

func (e *InvalidActionError) Error() string {
	return fmt.Sprintf("action: rule %d carries an invalid action", e.RuleIndex)
}

func (e *InvalidActionError) Unwrap() error { return ErrInvalidAction }

// ActionTooLargeError wraps ErrActionTooLarge with the offending rule index.
type ActionTooLargeError struct {
	RuleIndex int
	Length    int
}

func (e *ActionTooLargeError) Error() string {
	return fmt.Sprintf("action: rule %d selector length %d exceeds 2^32-1", e.RuleIndex, e.Length)
}

func (e *ActionTooLargeError) Unwrap() error { return ErrActionTooLarge }

// Serialize encodes rules' actions into a single byte buffer and returns
// it together with a parallel slice giving each rule's action offset.
// Adjacent rules with identical triggers whose actions are all CSS
// selectors coalesce into one multi-selector record; a rule whose action
// equals the immediately previous rule's reuses that offset.
func Serialize(rules []rule.Rule) (data []byte, locations []uint32, err error) {
	buf := make([]byte, 0, len(rules)*8)
	locations = make([]uint32, len(rules))

	var (
		havePrev bool
		prevAct  rule.Action
		prevOff  uint32
	)

	i := 0
	for i < len(rules) {
		r := rules[i]
		if r.Action.Kind == rule.ActionInvalid {
			return nil, nil, &InvalidActionError{RuleIndex: i}
		}

		if r.Action.Kind == rule.ActionCssDisplayNoneSelector {
			j := i + 1
			selectors := []string{r.Action.Selector}
			for j < len(rules) &&
				rules[j].Trigger == r.Trigger &&
				rules[j].Action.Kind == rule.ActionCssDisplayNoneSelector {
				selectors = append(selectors, rules[j].Action.Selector)
				j++
			}

			merged := rule.Action{
				Kind:     rule.ActionCssDisplayNoneSelector,
				Selector: strings.Join(selectors, ","),
			}

			offset, newBuf, werr := resolveOffset(buf, havePrev, prevAct, prevOff, merged, i)
			if werr != nil {
				return nil, nil, werr
			}
			buf = newBuf

			for k := i; k < j; k++ {
				locations[k] = offset
			}
			prevAct, prevOff, havePrev = merged, offset, true
			i = j
			continue
		}

		offset, newBuf, werr := resolveOffset(buf, havePrev, prevAct, prevOff, r.Action, i)
		if werr != nil {
			return nil, nil, werr
		}
		buf = newBuf
		locations[i] = offset
		prevAct, prevOff, havePrev = r.Action, offset, true
		i++
	}

	return buf, locations, nil
}

// resolveOffset returns the offset at which act should be considered
// recorded: the previous offset if act is byte-equal to the previous
// action, otherwise a freshly written record.
func resolveOffset(buf []byte, havePrev bool, prevAct rule.Action, prevOff uint32, act rule.Action, ruleIndex int) (uint32, []byte, error) {
	if havePrev && prevAct.Equal(act) {
		return prevOff, buf, nil
	}
	offset := uint32(len(buf))
	newBuf, err := appendAction(buf, act, ruleIndex)
	if err != nil {
		return 0, buf, err
	}
	return offset, newBuf, nil
}

// appendAction writes a single action-buffer record (opcode + payload).
func appendAction(buf []byte, a rule.Action, ruleIndex int) ([]byte, error) {
	switch a.Kind {
	case rule.ActionBlockLoad, rule.ActionBlockCookies, rule.ActionIgnorePreviousRules:
		return append(buf, a.Kind.Opcode()), nil

	case rule.ActionCssDisplayNoneSelector, rule.ActionCssDisplayNoneStyleSheet:
		wide, units := encodeSelector(a.Selector)
		if len(units) > math.MaxUint32 {
			return buf, &ActionTooLargeError{RuleIndex: ruleIndex, Length: len(units)}
		}

		buf = append(buf, a.Kind.Opcode())
		var lenBytes [4]byte
		binary.LittleEndian.PutUint32(lenBytes[:], uint32(len(units)))
		buf = append(buf, lenBytes[:]...)

		if wide {
			buf = append(buf, 1)
			for _, u := range units {
				var b [2]byte
				binary.LittleEndian.PutUint16(b[:], uint16(u))
				buf = append(buf, b[:]...)
			}
		} else {
			buf = append(buf, 0)
			for _, u := range units {
				buf = append(buf, byte(u))
			}
		}
		return buf, nil

	default:
		return buf, &InvalidActionError{RuleIndex: ruleIndex}
	}
}

// encodeSelector chooses narrow (8-bit) or wide (UTF-16 code unit) storage
// depending on whether any code point in s exceeds U+00FF, and returns the
// code units to write (as uint32 so callers don't need to re-decode).
func encodeSelector(s string) (wide bool, units []uint32) {
	runes := []rune(s)
	for _, r := range runes {
		if r > 0xFF {
			wide = true
			break
		}
	}
	if !wide {
		units = make([]uint32, len(runes))
		for i, r := range runes {
			units[i] = uint32(r)
		}
		return wide, units
	}

	u16 := utf16.Encode(runes)
	units = make([]uint32, len(u16))
	for i, u := range u16 {
		units[i] = uint32(u)
	}
	return wide, units
}

// Decode reads a single action record starting at offset and returns the
// decoded Action along with the offset immediately following the record.
func Decode(data []byte, offset uint32) (rule.Action, uint32, error) {
	if int(offset) >= len(data) {
		return rule.Action{}, 0, fmt.Errorf("action: offset %d out of range (buffer length %d)", offset, len(data))
	}
	opcode := data[offset]
	pos := offset + 1

	switch opcode {
	case rule.OpBlockLoad:
		return rule.Action{Kind: rule.ActionBlockLoad}, pos, nil
	case rule.OpBlockCookies:
		return rule.Action{Kind: rule.ActionBlockCookies}, pos, nil
	case rule.OpIgnorePreviousRules:
		return rule.Action{Kind: rule.ActionIgnorePreviousRules}, pos, nil
	case rule.OpCssDisplayNoneSelector, rule.OpCssDisplayNoneStyleSheet:
		if int(pos)+5 > len(data) {
			return rule.Action{}, 0, fmt.Errorf("action: truncated selector record at offset %d", offset)
		}
		length := binary.LittleEndian.Uint32(data[pos : pos+4])
		wide := data[pos+4] != 0
		pos += 5

		unitSize := uint32(1)
		if wide {
			unitSize = 2
		}
		need := length * unitSize
		if uint64(pos)+uint64(need) > uint64(len(data)) {
			return rule.Action{}, 0, fmt.Errorf("action: truncated selector payload at offset %d", offset)
		}

		var sb strings.Builder
		if wide {
			u16s := make([]uint16, length)
			for i := uint32(0); i < length; i++ {
				u16s[i] = binary.LittleEndian.Uint16(data[pos : pos+2])
				pos += 2
			}
			sb.WriteString(string(utf16.Decode(u16s)))
		} else {
			for i := uint32(0); i < length; i++ {
				sb.WriteByte(data[pos])
				pos++
			}
		}

		kind := rule.ActionCssDisplayNoneSelector
		if opcode == rule.OpCssDisplayNoneStyleSheet {
			kind = rule.ActionCssDisplayNoneStyleSheet
		}
		return rule.Action{Kind: kind, Selector: sb.String()}, pos, nil

	default:
		return rule.Action{}, 0, fmt.Errorf("action: unknown opcode %#x at offset %d", opcode, offset)
	}
}

// Consolidate merges every CssDisplayNoneSelector action in actions into a
// single CssDisplayNoneStyleSheet action (joined by ","), preserving the
// position of the first CSS selector encountered and the relative order of
// all other actions. It is a post-processing step for callers that apply a
// whole result set at once; the compile pipeline never emits stylesheet
// records itself.
func Consolidate(actions []rule.Action) []rule.Action {
	var selectors []string
	firstSelectorIdx := -1
	out := make([]rule.Action, 0, len(actions))

	for _, a := range actions {
		if a.Kind == rule.ActionCssDisplayNoneSelector {
			if firstSelectorIdx == -1 {
				firstSelectorIdx = len(out)
				out = append(out, rule.Action{}) // placeholder
			}
			selectors = append(selectors, a.Selector)
			continue
		}
		out = append(out, a)
	}

	if firstSelectorIdx != -1 {
		out[firstSelectorIdx] = rule.Action{
			Kind:     rule.ActionCssDisplayNoneStyleSheet,
			Selector: strings.Join(selectors, ","),
		}
	}
	return out
}
