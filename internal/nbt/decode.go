// Package nbt decodes the item metadata blobs attached to marketplace listings.
// A blob is base64(gzip(NBT)); NBT is Minecraft's big-endian named tag format.
package nbt

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"skyquery/internal/domain"

	mcnbt "github.com/Tnze/go-mc/nbt"
)

// maxInputBytes caps the decompressed payload of one blob
const maxInputBytes = 4 << 20

var (
	// ErrNoItem is returned when the blob carries no item compound
	ErrNoItem = errors.New("nbt: blob has no item")

	// ErrNoItemID is returned when the item lacks ExtraAttributes.id
	ErrNoItemID = errors.New("nbt: item has no id")

	// ErrTooLarge is returned when the decompressed payload exceeds maxInputBytes
	ErrTooLarge = errors.New("nbt: payload too large")
)

// inventory is the root compound of a blob: a list of item stacks under "i"
type inventory struct {
	Items []itemStack `nbt:"i"`
}

type itemStack struct {
	Count int8 `nbt:"Count"`
	Tag   struct {
		Display struct {
			Name string   `nbt:"Name"`
			Lore []string `nbt:"Lore"`
		} `nbt:"display"`
		ExtraAttributes map[string]any `nbt:"ExtraAttributes"`
	} `nbt:"tag"`
}

// Item is the decoded content of one metadata blob
type Item struct {
	ID         string // ExtraAttributes.id
	Name       string // display.Name without color codes
	Lore       []string
	Attributes domain.AttributeSet
}

// CatalogID returns the catalog item id used by the price indices:
// single-enchant books are NAME;LEVEL, pets are TYPE;RARITY_INDEX.
func (it *Item) CatalogID() string {
	switch {
	case it.ID == "ENCHANTED_BOOK" && len(it.Attributes.Enchantments) == 1:
		for name, level := range it.Attributes.Enchantments {
			return domain.EnchantKey(name, level)
		}
	case it.ID == "PET" && it.Attributes.Pet != nil && it.Attributes.Pet.Type != "":
		if idx := domain.RarityIndex(it.Attributes.Pet.Tier); idx >= 0 {
			return fmt.Sprintf("%s;%d", strings.ToUpper(it.Attributes.Pet.Type), idx)
		}
	}
	return it.ID
}

// Decode decodes a base64 item_bytes blob
func Decode(blob string) (*Item, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(blob))
	if err != nil {
		return nil, fmt.Errorf("base64: %w", err)
	}
	return DecodeCompressed(raw)
}

// DecodeCompressed decodes a gzip-compressed NBT payload
func DecodeCompressed(raw []byte) (*Item, error) {
	zr, err := acquireGzip(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("gzip: %w", err)
	}
	defer releaseGzip(zr)

	buf := acquireBuffer()
	defer releaseBuffer(buf)

	n, err := buf.ReadFrom(io.LimitReader(zr, maxInputBytes+1))
	if err != nil {
		return nil, fmt.Errorf("gzip: %w", err)
	}
	if n > maxInputBytes {
		return nil, ErrTooLarge
	}

	var inv inventory
	if err := mcnbt.Unmarshal(buf.Bytes(), &inv); err != nil {
		return nil, fmt.Errorf("nbt: %w", err)
	}
	return extract(&inv)
}

type attributeKind uint8

const (
	kindEnchantments attributeKind = iota + 1
	kindReforge
	kindStars
	kindGems
	kindSkin
	kindModifier
	kindRunes
	kindPotion
	kindPet
)

// extraKinds maps ExtraAttributes keys to the attribute they carry.
// Keys not listed are ignored.
var extraKinds = map[string]attributeKind{
	"enchantments":       kindEnchantments,
	"modifier":           kindReforge,
	"upgrade_level":      kindStars,
	"dungeon_item_level": kindStars,
	"gems":               kindGems,
	"skin":               kindSkin,
	"runes":              kindRunes,
	"potion":             kindPotion,
	"petInfo":            kindPet,
}

func init() {
	for _, m := range domain.KnownModifiers {
		extraKinds[string(m)] = kindModifier
	}
}

func extract(inv *inventory) (*Item, error) {
	if len(inv.Items) == 0 {
		return nil, ErrNoItem
	}
	first := &inv.Items[0]

	extra := first.Tag.ExtraAttributes
	id, _ := extra["id"].(string)
	if id == "" {
		return nil, ErrNoItemID
	}

	item := &Item{ID: id}
	item.Attributes.Count = int(first.Count)
	item.Name = domain.StripColorCodes(first.Tag.Display.Name)
	item.Lore = first.Tag.Display.Lore

	attrs := &item.Attributes
	for key, value := range extra {
		kind, known := extraKinds[key]
		if !known {
			continue
		}
		switch kind {
		case kindEnchantments:
			attrs.Enchantments = levels(value)
		case kindReforge:
			if s, ok := value.(string); ok {
				attrs.Reforge = strings.ToLower(s)
			}
		case kindStars:
			if n, ok := toInt(value); ok && int(n) > attrs.Stars {
				attrs.Stars = int(n)
			}
		case kindGems:
			if g, ok := value.(map[string]any); ok {
				attrs.Gems = gems(g)
			}
		case kindSkin:
			if s, ok := value.(string); ok {
				attrs.Skin = s
			}
		case kindModifier:
			if n, ok := toInt(value); ok {
				if attrs.Modifiers == nil {
					attrs.Modifiers = make(map[domain.Modifier]int)
				}
				attrs.Modifiers[domain.Modifier(key)] = int(n)
			}
		case kindRunes:
			attrs.Runes = levels(value)
		case kindPotion:
			if s, ok := value.(string); ok {
				attrs.Potion = s
			}
		case kindPet:
			if s, ok := value.(string); ok {
				attrs.Pet = petInfo(s)
			}
		}
	}

	return item, nil
}

// levels reads a NAME -> level compound, upper-casing names
func levels(v any) map[string]int {
	c, ok := v.(map[string]any)
	if !ok || len(c) == 0 {
		return nil
	}
	out := make(map[string]int, len(c))
	for name, lv := range c {
		if n, ok := toInt(lv); ok {
			out[strings.ToUpper(name)] = int(n)
		}
	}
	return out
}

// gems maps each filled slot to QUALITY_TYPE (PERFECT_SAPPHIRE). Universal slots
// (COMBAT_0) name their gem in a sibling SLOT_gem key; typed slots (RUBY_0) use
// the slot prefix.
func gems(g map[string]any) map[string]string {
	out := make(map[string]string)
	for slot, v := range g {
		if slot == "unlocked_slots" || strings.HasSuffix(slot, "_gem") {
			continue
		}
		var quality string
		switch q := v.(type) {
		case string:
			quality = q
		case map[string]any:
			quality, _ = q["quality"].(string)
		}
		if quality == "" {
			continue
		}
		gem, ok := g[slot+"_gem"].(string)
		if !ok {
			gem = slotType(slot)
		}
		out[slot] = strings.ToUpper(quality + "_" + gem)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func slotType(slot string) string {
	if i := strings.LastIndexByte(slot, '_'); i > 0 {
		return slot[:i]
	}
	return slot
}

func petInfo(raw string) *domain.PetInfo {
	var p struct {
		Type     string `json:"type"`
		Tier     string `json:"tier"`
		HeldItem string `json:"heldItem"`
	}
	if err := json.Unmarshal([]byte(raw), &p); err != nil || p.Type == "" {
		return nil
	}
	return &domain.PetInfo{
		Type:     strings.ToUpper(p.Type),
		Tier:     strings.ToUpper(p.Tier),
		HeldItem: p.HeldItem,
	}
}

// toInt widens any integer tag value to int64
func toInt(v any) (int64, bool) {
	switch n := v.(type) {
	case int8:
		return int64(n), true
	case uint8:
		return int64(n), true
	case int16:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case int:
		return int64(n), true
	default:
		return 0, false
	}
}
