package store

import (
	"encoding/json"
	"strings"

	"msgsched/internal/domain"
)

// EncodeRecipients splits recipients into the two JSON array columns.
func EncodeRecipients(rs []domain.Recipient) (jids, names string, err error) {
	js := make([]string, 0, len(rs))
	ns := make([]string, 0, len(rs))
	for _, r := range rs {
		js = append(js, r.JID)
		ns = append(ns, r.Name)
	}
	jb, err := json.Marshal(js)
	if err != nil {
		return "", "", err
	}
	nb, err := json.Marshal(ns)
	if err != nil {
		return "", "", err
	}
	return string(jb), string(nb), nil
}

// DecodeRecipients rebuilds the recipient list. It never fails: malformed JSON
// yields no recipients, a bare string is one recipient, and names are aligned to
// the jid list when the two columns disagree in length.
func DecodeRecipients(jids, names string) []domain.Recipient {
	js := parseList(jids)
	if len(js) == 0 {
		return nil
	}
	ns := parseList(names)

	out := make([]domain.Recipient, 0, len(js))
	for i, j := range js {
		if strings.TrimSpace(j) == "" {
			continue
		}
		r := domain.Recipient{JID: j}
		if i < len(ns) {
			r.Name = ns[i]
		}
		out = append(out, r)
	}
	return out
}

func parseList(raw string) []string {
	s := strings.TrimSpace(raw)
	if s == "" || s == "null" {
		return nil
	}
	var list []string
	if err := json.Unmarshal([]byte(s), &list); err == nil {
		return list
	}
	var one string
	if err := json.Unmarshal([]byte(s), &one); err == nil {
		return []string{one}
	}
	if strings.HasPrefix(s, "[") || strings.HasPrefix(s, "{") {
		return nil
	}
	return []string{s}
}
