package rewardd

import (
	"encoding/json"
	"math"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"golang.org/x/text/unicode/norm"

	"help2earn/services/rewardd/geo"
	"help2earn/services/rewardd/models"
)

// Classification is the opaque oracle verdict attached to a submission.
type Classification struct {
	IsValid     bool    `json:"is_valid"`
	Category    string  `json:"category"`
	Confidence  float64 `json:"confidence"`
	Description string  `json:"description,omitempty"`
}

// Submission is one classified field observation.
type Submission struct {
	Contributor    string
	Latitude       float64
	Longitude      float64
	Classification Classification
	ContentRef     string
}

// Status is the caller-visible outcome of a submission.
type Status string

// Submission outcomes.
const (
	StatusAccepted          Status = "accepted"
	StatusRejectedDuplicate Status = "rejected_duplicate"
	StatusRejectedInvalid   Status = "rejected_invalid"
	StatusPendingRetry      Status = "pending_retry"
)

// Result reports how a submission was handled.
type Result struct {
	Status     Status    `json:"status"`
	Amount     int64     `json:"amount"`
	TxRef      string    `json:"tx_ref,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	State      State     `json:"state"`
	RecordID   uuid.UUID `json:"record_id,omitempty"`
	FacilityID uuid.UUID `json:"facility_id,omitempty"`
}

// categoryKeywords lists the classifier labels accepted for each category.
var categoryKeywords = map[models.Category][]string{
	models.CategoryRamp:       {"ramp", "slope", "incline", "坡道", "斜坡", "无障碍坡道"},
	models.CategoryToilet:     {"toilet", "accessible toilet", "disabled toilet", "无障碍厕所", "无障碍卫生间"},
	models.CategoryElevator:   {"elevator", "lift", "accessible elevator", "电梯", "无障碍电梯"},
	models.CategoryWheelchair: {"wheelchair", "wheelchair rental", "wheelchair station", "轮椅", "轮椅借用"},
}

var categoryAliases = func() map[string]models.Category {
	aliases := make(map[string]models.Category)
	for category, keywords := range categoryKeywords {
		for _, keyword := range keywords {
			aliases[keyword] = category
		}
	}
	return aliases
}()

// NormalizeCategory folds a classifier label (NFKC, trimmed, lower-cased)
// and resolves it to a supported category.
func NormalizeCategory(label string) (models.Category, bool) {
	folded := strings.ToLower(strings.TrimSpace(norm.NFKC.String(label)))
	folded = strings.Join(strings.Fields(folded), " ")
	category, ok := categoryAliases[folded]
	return category, ok
}

type validated struct {
	contributor    common.Address
	category       models.Category
	point          geo.Point
	classification string
	contentRef     string
}

func validate(sub Submission, minConfidence float64) (validated, error) {
	contributor := strings.TrimSpace(sub.Contributor)
	if !common.IsHexAddress(contributor) {
		return validated{}, invalid("contributor", "not a hex account address")
	}
	address := common.HexToAddress(contributor)
	if (address == common.Address{}) {
		return validated{}, invalid("contributor", "zero address")
	}

	point := geo.Point{Lat: sub.Latitude, Lng: sub.Longitude}
	if math.IsNaN(point.Lat) || math.IsNaN(point.Lng) || math.IsInf(point.Lat, 0) || math.IsInf(point.Lng, 0) {
		return validated{}, invalid("location", "coordinates must be finite")
	}
	if point.Lat == 0 && point.Lng == 0 {
		return validated{}, invalid("location", "null island coordinates")
	}
	if !point.Valid() {
		return validated{}, invalid("location", "coordinates out of range")
	}

	verdict := sub.Classification
	if !verdict.IsValid {
		return validated{}, invalid("classification", "not an accessibility facility")
	}
	category, ok := NormalizeCategory(verdict.Category)
	if !ok {
		return validated{}, invalid("category", "unsupported category "+strings.TrimSpace(verdict.Category))
	}
	if math.IsNaN(verdict.Confidence) || verdict.Confidence > 1 {
		return validated{}, invalid("classification", "confidence out of range")
	}
	if verdict.Confidence < minConfidence {
		return validated{}, invalid("classification", "confidence below threshold")
	}
	verdict.Category = string(category)
	encoded, err := json.Marshal(verdict)
	if err != nil {
		return validated{}, invalid("classification", err.Error())
	}
	return validated{
		contributor:    address,
		category:       category,
		point:          point,
		classification: string(encoded),
		contentRef:     strings.TrimSpace(sub.ContentRef),
	}, nil
}
