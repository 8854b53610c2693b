package query

import (
	"net/url"
	"sort"
	"strconv"
	"strings"

	"skyquery/internal/domain"
)

// Kind tags the two Filter variants
type Kind int

const (
	KindStructured Kind = iota // Named predicates evaluated in memory
	KindRaw                    // Storage-language condition, elevated only
)

// Mode selects how predicates are combined
type Mode int

const (
	ModeStrict Mode = iota // AND of all set predicates
	ModeScore              // Rank by number of satisfied predicates
)

// SortKey is the price a result list is ordered by
type SortKey string

const (
	SortStartingBid SortKey = "starting_bid"
	SortHighestBid  SortKey = "highest_bid"
)

// Order is the sort direction
type Order string

const (
	OrderAsc  Order = "ASC"
	OrderDesc Order = "DESC"
)

// EnchantReq requires an enchantment at an exact level
type EnchantReq struct {
	Name  string
	Level int
}

// Predicates holds the structured constraints. Zero values impose nothing.
type Predicates struct {
	ItemName       string // Case-sensitive substring of the display name
	Tier           string
	ItemID         string
	Reforge        string
	Skin           string
	Stars          *int
	HotPotato      *int
	Recombobulated *bool
	Enchants       []EnchantReq
	Gems           map[string]string // Slot -> QUALITY_TYPE (PERFECT_SAPPHIRE)
	Bin            *bool
	Bidder         string
	EndAfter       *int64 // Unix ms, inclusive
}

// Filter is a parsed query request
type Filter struct {
	Kind       Kind
	Predicates Predicates
	Raw        string

	Mode   Mode
	SortBy SortKey
	Order  Order
	Limit  int // 0 = unbounded
}

// Parse builds a Filter from request parameters. A non-empty "query" makes it a
// raw filter; sort_by=query selects score mode.
func Parse(values url.Values, defaultLimit int) (*Filter, error) {
	f := &Filter{
		Kind:   KindStructured,
		Mode:   ModeStrict,
		SortBy: SortStartingBid,
		Order:  OrderAsc,
		Limit:  defaultLimit,
	}

	if raw := strings.TrimSpace(values.Get("query")); raw != "" {
		f.Kind = KindRaw
		f.Raw = raw
	}

	switch v := values.Get("sort_by"); v {
	case "", string(SortStartingBid):
	case string(SortHighestBid):
		f.SortBy = SortHighestBid
	case "query":
		f.Mode = ModeScore
	default:
		return nil, &domain.ValidationError{Param: "sort_by", Reason: "must be one of starting_bid, highest_bid, query"}
	}

	order := values.Get("sort_order")
	if order == "" {
		order = values.Get("sort")
	}
	switch Order(strings.ToUpper(order)) {
	case "", OrderAsc:
	case OrderDesc:
		f.Order = OrderDesc
	default:
		return nil, &domain.ValidationError{Param: "sort_order", Reason: "must be ASC or DESC"}
	}

	if v := values.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil {
			return nil, &domain.ValidationError{Param: "limit", Reason: "not an integer"}
		}
		f.Limit = limit
	}

	p := &f.Predicates
	p.ItemName = values.Get("item_name")
	p.Tier = strings.ToUpper(values.Get("tier"))
	p.ItemID = values.Get("item_id")
	p.Reforge = strings.ToLower(values.Get("reforge"))
	p.Skin = values.Get("skin")
	p.Bidder = values.Get("bids")

	var err error
	if p.Stars, err = optInt(values, "stars"); err != nil {
		return nil, err
	}
	if p.HotPotato, err = optInt(values, "hot_potato"); err != nil {
		return nil, err
	}
	if p.Recombobulated, err = optBool(values, "recombobulated"); err != nil {
		return nil, err
	}
	if p.Bin, err = optBool(values, "bin"); err != nil {
		return nil, err
	}
	if v := values.Get("end"); v != "" {
		end, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, &domain.ValidationError{Param: "end", Reason: "not an integer timestamp"}
		}
		p.EndAfter = &end
	}
	if p.Enchants, err = parseEnchants(values.Get("enchants")); err != nil {
		return nil, err
	}
	if p.Gems, err = parseGems(values.Get("gems")); err != nil {
		return nil, err
	}

	return f, nil
}

func optInt(values url.Values, name string) (*int, error) {
	v := values.Get(name)
	if v == "" {
		return nil, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return nil, &domain.ValidationError{Param: name, Reason: "must be a non-negative integer"}
	}
	return &n, nil
}

func optBool(values url.Values, name string) (*bool, error) {
	v := values.Get(name)
	if v == "" {
		return nil, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return nil, &domain.ValidationError{Param: name, Reason: "must be true or false"}
	}
	return &b, nil
}

// parseEnchants reads a comma list of NAME;LEVEL
func parseEnchants(v string) ([]EnchantReq, error) {
	if v == "" {
		return nil, nil
	}
	var out []EnchantReq
	for _, part := range strings.Split(v, ",") {
		name, level, ok := strings.Cut(strings.TrimSpace(part), ";")
		n, err := strconv.Atoi(level)
		if !ok || name == "" || err != nil || n < 0 {
			return nil, &domain.ValidationError{Param: "enchants", Reason: "expected NAME;LEVEL, got " + strconv.Quote(part)}
		}
		out = append(out, EnchantReq{Name: strings.ToUpper(name), Level: n})
	}
	return out, nil
}

// parseGems reads a comma list of SLOT:QUALITY_TYPE
func parseGems(v string) (map[string]string, error) {
	if v == "" {
		return nil, nil
	}
	out := make(map[string]string)
	for _, part := range strings.Split(v, ",") {
		slot, gem, ok := strings.Cut(strings.TrimSpace(part), ":")
		if !ok || slot == "" || gem == "" {
			return nil, &domain.ValidationError{Param: "gems", Reason: "expected SLOT:GEM, got " + strconv.Quote(part)}
		}
		out[strings.ToUpper(slot)] = strings.ToUpper(gem)
	}
	return out, nil
}

// predicate is one compiled constraint
type predicate func(l *domain.ListingRecord) bool

// compile turns the set predicates into funcs, in a stable order
func (p *Predicates) compile() []predicate {
	var preds []predicate

	if p.ItemName != "" {
		preds = append(preds, func(l *domain.ListingRecord) bool { return strings.Contains(l.Name, p.ItemName) })
	}
	if p.Tier != "" {
		preds = append(preds, func(l *domain.ListingRecord) bool { return l.Tier == p.Tier })
	}
	if p.ItemID != "" {
		preds = append(preds, func(l *domain.ListingRecord) bool { return l.ItemID == p.ItemID })
	}
	if p.Reforge != "" {
		preds = append(preds, func(l *domain.ListingRecord) bool { return l.Attributes.Reforge == p.Reforge })
	}
	if p.Skin != "" {
		preds = append(preds, func(l *domain.ListingRecord) bool { return l.Attributes.Skin == p.Skin })
	}
	if p.Stars != nil {
		want := *p.Stars
		preds = append(preds, func(l *domain.ListingRecord) bool { return l.Attributes.Stars == want })
	}
	if p.HotPotato != nil {
		want := *p.HotPotato
		preds = append(preds, func(l *domain.ListingRecord) bool {
			return l.Attributes.Modifiers[domain.ModHotPotato] == want
		})
	}
	if p.Recombobulated != nil {
		want := *p.Recombobulated
		preds = append(preds, func(l *domain.ListingRecord) bool {
			return (l.Attributes.Modifiers[domain.ModRecombobulated] > 0) == want
		})
	}
	for _, e := range p.Enchants {
		e := e
		preds = append(preds, func(l *domain.ListingRecord) bool { return l.Attributes.HasEnchant(e.Name, e.Level) })
	}
	slots := make([]string, 0, len(p.Gems))
	for slot := range p.Gems {
		slots = append(slots, slot)
	}
	sort.Strings(slots)
	for _, slot := range slots {
		slot := slot
		gem := p.Gems[slot]
		preds = append(preds, func(l *domain.ListingRecord) bool { return l.Attributes.Gems[slot] == gem })
	}
	if p.Bin != nil {
		want := *p.Bin
		preds = append(preds, func(l *domain.ListingRecord) bool { return l.Bin == want })
	}
	if p.Bidder != "" {
		preds = append(preds, func(l *domain.ListingRecord) bool { return l.HasBidder(p.Bidder) })
	}
	if p.EndAfter != nil {
		after := *p.EndAfter
		preds = append(preds, func(l *domain.ListingRecord) bool { return l.End >= after })
	}
	return preds
}
