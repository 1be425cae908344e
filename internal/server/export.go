package server

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/joseph-ayodele/specsheet-validator/internal/common"
	"github.com/joseph-ayodele/specsheet-validator/internal/entity"
)

// ParseRunFilter reads a run filter from string-valued fields: subject_id, job_token,
// from_date and to_date (YYYY-MM-DD) and limit.
func ParseRunFilter(get func(string) string) (entity.RunFilter, error) {
	f := entity.RunFilter{
		SubjectID: strings.TrimSpace(get("subject_id")),
		JobToken:  strings.TrimSpace(get("job_token")),
	}
	if fd := strings.TrimSpace(get("from_date")); fd != "" {
		t, err := time.Parse(time.DateOnly, fd)
		if err != nil {
			return f, fmt.Errorf("%w: from_date must be YYYY-MM-DD", common.ErrInvalidInput)
		}
		f.From = &t
	}
	if td := strings.TrimSpace(get("to_date")); td != "" {
		t, err := time.Parse(time.DateOnly, td)
		if err != nil {
			return f, fmt.Errorf("%w: to_date must be YYYY-MM-DD", common.ErrInvalidInput)
		}
		f.To = &t
	}
	if l := strings.TrimSpace(get("limit")); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n < 0 {
			return f, fmt.Errorf("%w: limit must be a non-negative integer", common.ErrInvalidInput)
		}
		f.Limit = n
	}
	return f, nil
}

func structField(s *structpb.Struct) func(string) string {
	return func(key string) string {
		v, ok := s.GetFields()[key]
		if !ok {
			return ""
		}
		switch k := v.GetKind().(type) {
		case *structpb.Value_StringValue:
			return k.StringValue
		case *structpb.Value_NumberValue:
			return strconv.FormatFloat(k.NumberValue, 'f', -1, 64)
		default:
			return ""
		}
	}
}
