package tool

import (
	"context"

	"github.com/cloudwego/eino/schema"
	contractx "github.com/tanpawarit/udahub-support-orchestrator/agent/contract"
)

const ToolKnowledgeSearch = "knowledge.search"

type KnowledgeSearchOutput struct {
	Query      string                   `json:"query"`
	Found      bool                     `json:"found"`
	Confidence float64                  `json:"confidence"`
	Results    []contractx.RetrievalHit `json:"results"`
}

// KnowledgeTool searches the knowledge base of the session's account.
func KnowledgeTool(retriever contractx.Retriever) Tool {
	return Tool{
		Name: ToolKnowledgeSearch,
		Desc: "Search the support knowledge base and return ranked article snippets.",
		Params: []Param{
			{Name: "query", Type: schema.String, Desc: "What the customer wants to know", Required: true, MaxLen: 512},
			{Name: "limit", Type: schema.Integer, Desc: "Maximum number of articles (1-10)", Min: floatPtr(1), Max: floatPtr(10)},
		},
		Handler: func(ctx context.Context, call Call) (any, error) {
			query := stringArg(call.Args, "query")
			hits, err := retriever.Search(ctx, contractx.RetrievalQuery{
				Text:      query,
				AccountID: call.Customer.AccountID,
				Limit:     intArg(call.Args, "limit", 3),
			})
			if err != nil {
				return nil, err
			}
			out := KnowledgeSearchOutput{Query: query, Results: hits}
			if len(hits) > 0 {
				out.Found = true
				out.Confidence = hits[0].Score
			}
			return out, nil
		},
	}
}
