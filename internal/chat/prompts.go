package chat

import (
	"strings"
)

// DominationField selects the prompt template and whether retrieval runs.
type DominationField string

const (
	FieldNormalChat DominationField = "Normal Chat"
	FieldEmail      DominationField = "Email"
	FieldDocuments  DominationField = "Documents"
	FieldAstronomy  DominationField = "Observational Astronomy"
)

type template struct {
	system    func(grounding string) string
	fallback  string
	retrieval bool
}

var templates = map[DominationField]template{
	FieldNormalChat: {
		system: func(string) string {
			return "You are a helpful assistant. Answer clearly and concisely."
		},
		fallback: "Your previous reply was empty. Reply to the user's last message in at least one complete sentence.",
	},
	FieldEmail: {
		system: func(string) string {
			return "You help the user write emails. Produce a subject line and a ready-to-send body " +
				"in the tone the user asks for, defaulting to polite and professional."
		},
		fallback: "Your previous reply was empty. Write the requested email now, starting with a subject line.",
	},
	FieldDocuments: {
		system: func(grounding string) string {
			if grounding == "" {
				return "You answer questions about the user's documents. No matching passages were found; " +
					"say so and answer from general knowledge only if the user asks you to."
			}
			return "You answer questions about the user's documents using only the passages below. " +
				"Cite passages by their number. If the passages do not contain the answer, say so.\n\n" + grounding
		},
		fallback:  "Your previous reply was empty. Answer the question from the passages, or state that they do not contain the answer.",
		retrieval: true,
	},
	FieldAstronomy: {
		system: func(grounding string) string {
			base := "You are an observational astronomy assistant. Help plan observations: targets, " +
				"visibility, equipment, exposure and seeing conditions. Be precise with units and coordinates."
			if grounding == "" {
				return base
			}
			return base + "\n\nReference material:\n" + grounding
		},
		fallback:  "Your previous reply was empty. Give a short, concrete observing recommendation for the user's question.",
		retrieval: true,
	},
}

// ParseDominationField maps a request value onto the closed set of fields.
// Empty selects Normal Chat; matching ignores case and surrounding space.
func ParseDominationField(s string) (DominationField, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return FieldNormalChat, nil
	}
	for f := range templates {
		if strings.EqualFold(string(f), s) {
			return f, nil
		}
	}
	return "", invalid("domination_field", "unknown value "+s)
}

func (f DominationField) template() template {
	if t, ok := templates[f]; ok {
		return t
	}
	return templates[FieldNormalChat]
}

func (f DominationField) UsesRetrieval() bool {
	return f.template().retrieval
}

// SystemPrompt builds the system message for an exchange. The fallback variant
// is used for the single retry after an empty reply.
func SystemPrompt(f DominationField, grounding, customPrompt string, fallback bool) string {
	t := f.template()
	var b strings.Builder
	b.WriteString(t.system(strings.TrimSpace(grounding)))
	if custom := strings.TrimSpace(customPrompt); custom != "" {
		b.WriteString("\n\nAdditional instructions from the user:\n")
		b.WriteString(custom)
	}
	if fallback {
		b.WriteString("\n\n")
		b.WriteString(t.fallback)
	}
	return b.String()
}
