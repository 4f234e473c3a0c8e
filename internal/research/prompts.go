package research

import "encoding/json"

const clarifyPrompt = `You are about to start deep research on the user's request.
Decide whether you need to ask one clarifying question before researching.
Only ask when the request is genuinely ambiguous. If no clarification is
needed, acknowledge the request in the verification field instead.`

const planPrompt = `Break the research request down into focused web search
queries. Call the web_search tool once per query. Prefer a handful of
complementary queries over many overlapping ones.`

const summarizePrompt = `Summarize the following web search results as they
relate to the research topic. Preserve concrete facts, figures and named
sources, and quote the most relevant excerpts verbatim.`

const reflectPrompt = `Review the research notes gathered so far against the
original request. Decide whether they are sufficient to write a thorough
answer. If not, propose additional web search queries that would close the
gaps.`

const compressPrompt = `Condense the research notes below into a clean set of
findings. Merge duplicates, drop irrelevant material, and keep source
attributions. Output the findings only.`

const finalReportPrompt = `Write a well-structured markdown research report
answering the original request, based on the condensed findings below. Use
headings, cite sources inline, and finish with a short conclusion.`

var clarifySchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"need_clarification": {"type": "boolean"},
		"question": {"type": "string"},
		"verification": {"type": "string"}
	},
	"required": ["need_clarification", "question", "verification"],
	"additionalProperties": false
}`)

var summarySchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"summary": {"type": "string"},
		"key_excerpts": {"type": "string"}
	},
	"required": ["summary", "key_excerpts"],
	"additionalProperties": false
}`)

var reflectSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"sufficient": {"type": "boolean"},
		"queries": {"type": "array", "items": {"type": "string"}}
	},
	"required": ["sufficient", "queries"],
	"additionalProperties": false
}`)

var webSearchToolSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"query": {"type": "string", "description": "A web search query"}
	},
	"required": ["query"],
	"additionalProperties": false
}`)

type clarifyResponse struct {
	NeedClarification bool   `json:"need_clarification"`
	Question          string `json:"question"`
	Verification      string `json:"verification"`
}

type summaryResponse struct {
	Summary     string `json:"summary"`
	KeyExcerpts string `json:"key_excerpts"`
}

type reflectResponse struct {
	Sufficient bool     `json:"sufficient"`
	Queries    []string `json:"queries"`
}

type webSearchArgs struct {
	Query string `json:"query"`
}
