package mcp

import "encoding/json"

// GetToolDefinitions returns the ten gotn tool definitions with their JSON
// schemas. Arguments are validated against these schemas before dispatch,
// so a schema here is the contract, not documentation.
//
// Every tool accepts an optional workspace_path; the server is bound to a
// single workspace and rejects a mismatch rather than routing.
func GetToolDefinitions() []Tool {
	return []Tool{
		getInitWorkspaceTool(),
		getStoreNodeTool(),
		getInferEdgesTool(),
		getBreakdownPromptTool(),
		getComposePlanTool(),
		getExecuteNodeTool(),
		getTraceNodeTool(),
		getSearchNodesTool(),
		getDebugTool(),
		getRecoverTool(),
	}
}

func workspacePathProperty() map[string]interface{} {
	return map[string]interface{}{
		"type":        "string",
		"description": "Workspace root holding .gotn/. Must match the workspace this server is bound to; omit it unless you are checking you are talking to the right server.",
	}
}

func mustSchema(schema map[string]interface{}) json.RawMessage {
	raw, err := json.Marshal(schema)
	if err != nil {
		panic(err)
	}
	return raw
}

func getInitWorkspaceTool() Tool {
	schema := map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"workspace_path": workspacePathProperty(),
		},
		"additionalProperties": false,
	}

	return Tool{
		Name: ToolInitWorkspace,
		Description: `Initialize the .gotn/ workspace: meta, empty graph, journal, runs and cache directories.
Idempotent; calling it on an existing workspace reports the current node and edge counts.

Examples:
- init_workspace()
- init_workspace(workspace_path="/home/dev/project")`,
		InputSchema: mustSchema(schema),
	}
}

func getStoreNodeTool() Tool {
	schema := map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"node": map[string]interface{}{
				"type":        "object",
				"description": "The micro-prompt node to store. id, summary, and prompt_text are required; kind defaults to micro_prompt; requires/produces are content tags the edge engine matches on.",
				"properties": map[string]interface{}{
					"id":          map[string]interface{}{"type": "string", "minLength": 1},
					"kind":        map[string]interface{}{"type": "string"},
					"summary":     map[string]interface{}{"type": "string", "minLength": 1},
					"prompt_text": map[string]interface{}{"type": "string", "minLength": 1},
					"parent":      map[string]interface{}{"type": "string"},
					"requires": map[string]interface{}{
						"type": "array", "items": map[string]interface{}{"type": "string"},
					},
					"produces": map[string]interface{}{
						"type": "array", "items": map[string]interface{}{"type": "string"},
					},
					"tags": map[string]interface{}{
						"type": "array", "items": map[string]interface{}{"type": "string"},
					},
					"guards": map[string]interface{}{
						"type": "array", "items": map[string]interface{}{"type": "string"},
					},
				},
				"required":             []string{"id", "summary", "prompt_text"},
				"additionalProperties": true,
			},
			"workspace_path": workspacePathProperty(),
		},
		"required":             []string{"node"},
		"additionalProperties": false,
	}

	return Tool{
		Name: ToolStoreNode,
		Description: `Store one micro-prompt node in the graph. The node is validated, persisted, embedded,
and indexed for semantic search. When the embedder or vector store is unreachable the node
is still persisted and embedding_created reports false.

Examples:
- store_node(node={id: "auth-1", summary: "add login endpoint", prompt_text: "Implement POST /login ..."})
- store_node(node={id: "db-2", summary: "write migration", prompt_text: "...", requires: ["schema"], produces: ["migration"]})`,
		InputSchema: mustSchema(schema),
	}
}

func getInferEdgesTool() Tool {
	schema := map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"node_ids": map[string]interface{}{
				"type":        "array",
				"items":       map[string]interface{}{"type": "string", "minLength": 1},
				"description": "Restrict inference to these nodes. Omit to infer over the whole graph.",
			},
			"workspace_path": workspacePathProperty(),
		},
		"additionalProperties": false,
	}

	return Tool{
		Name: ToolInferEdges,
		Description: `Infer dependency edges: hard_requires edges where one node's requires tags match another's
produces tags, and mirrored soft_semantic pairs between mutual nearest neighbors in embedding
space. Already existing edges are skipped, so re-running is safe.

Examples:
- infer_edges()
- infer_edges(node_ids=["auth-1", "db-2"])`,
		InputSchema: mustSchema(schema),
	}
}

func getBreakdownPromptTool() Tool {
	schema := map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"prompt": map[string]interface{}{
				"type":        "string",
				"minLength":   1,
				"description": "The engineering prompt to decompose into micro-prompts.",
			},
			"project_id": map[string]interface{}{
				"type":        "string",
				"description": "Project scope for the created nodes. Must match the project this server is bound to.",
			},
			"mode": map[string]interface{}{
				"type":        "string",
				"enum":        []string{"tree", "flat"},
				"description": "tree parents every step to the root; flat chains steps through requires/produces tags.",
				"default":     "tree",
			},
			"max_nodes": map[string]interface{}{
				"type":        "integer",
				"minimum":     1,
				"description": "Cap on created child nodes.",
			},
			"compose": map[string]interface{}{
				"type":        "boolean",
				"description": "Also run edge inference over the created nodes and compose an execution plan.",
				"default":     false,
			},
			"workspace_path": workspacePathProperty(),
		},
		"required":             []string{"prompt"},
		"additionalProperties": false,
	}

	return Tool{
		Name: ToolBreakdownPrompt,
		Description: `Decompose a large prompt into a root node plus small, atomic child micro-prompts, store
them all, and link each child to its parent with a derived_from edge. With compose=true the
created nodes are also wired with inferred edges and an execution plan comes back inline.

Examples:
- breakdown_prompt(prompt="Add rate limiting to the API")
- breakdown_prompt(prompt="1. parse config 2. wire loader", mode="flat", compose=true)`,
		InputSchema: mustSchema(schema),
	}
}

func getComposePlanTool() Tool {
	schema := map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"goal": map[string]interface{}{
				"type":        "string",
				"description": "Free-text goal recorded on the plan. Does not filter the selection.",
			},
			"requires": map[string]interface{}{
				"type":        "array",
				"items":       map[string]interface{}{"type": "string"},
				"description": "Select nodes whose requires tags intersect these.",
			},
			"produces": map[string]interface{}{
				"type":        "array",
				"items":       map[string]interface{}{"type": "string"},
				"description": "Select nodes whose produces tags intersect these.",
			},
			"workspace_path": workspacePathProperty(),
		},
		"additionalProperties": false,
	}

	return Tool{
		Name: ToolComposePlan,
		Description: `Compose a safe execution ordering over the hard dependency DAG. Returns the ordered node
ids, the parallel layers they came from, and the run folder materialized for execution.
Fails with Cycle when hard dependencies loop and NoSelection when nothing matches.

Examples:
- compose_plan(goal="ship the auth feature")
- compose_plan(produces=["migration"])`,
		InputSchema: mustSchema(schema),
	}
}

func getExecuteNodeTool() Tool {
	schema := map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"node_id": map[string]interface{}{
				"type":        "string",
				"minLength":   1,
				"description": "The node to execute.",
			},
			"run_id": map[string]interface{}{
				"type":        "string",
				"description": "Run to record the step under. Omit to use the latest run.",
			},
			"workspace_path": workspacePathProperty(),
		},
		"required":             []string{"node_id"},
		"additionalProperties": false,
	}

	return Tool{
		Name: ToolExecuteNode,
		Description: `Execute one node through the guard gate. Present artifacts skip the node, a failing guard
fails it, and otherwise it proceeds: a patch stub is written into the run folder and the node
completes. The decision is appended to the run's steps.jsonl either way.

Examples:
- execute_node(node_id="auth-1")
- execute_node(node_id="db-2", run_id="run-2025-06-01T12-00-00Z")`,
		InputSchema: mustSchema(schema),
	}
}

func getTraceNodeTool() Tool {
	schema := map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"node_id": map[string]interface{}{
				"type":        "string",
				"minLength":   1,
				"description": "The node to explain.",
			},
			"workspace_path": workspacePathProperty(),
		},
		"required":             []string{"node_id"},
		"additionalProperties": false,
	}

	return Tool{
		Name: ToolTraceNode,
		Description: `Explain one node's position in the graph: the parent chain up to the root, its children,
its requires/produces interface, and every incident edge as the proof set for its placement.

Examples:
- trace_node(node_id="auth-1")`,
		InputSchema: mustSchema(schema),
	}
}

func getSearchNodesTool() Tool {
	schema := map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"query": map[string]interface{}{
				"type":        "string",
				"minLength":   1,
				"description": "Free-text query, matched semantically against node summaries and tags.",
			},
			"limit": map[string]interface{}{
				"type":        "integer",
				"minimum":     1,
				"maximum":     100,
				"default":     5,
				"description": "Maximum number of results.",
			},
			"workspace_path": workspacePathProperty(),
		},
		"required":             []string{"query"},
		"additionalProperties": false,
	}

	return Tool{
		Name: ToolSearchNodes,
		Description: `Semantic search over stored nodes. The query is embedded and matched against node vectors;
results carry the node id, summary, status, and cosine score, best first.

Examples:
- search_nodes(query="login endpoint")
- search_nodes(query="database migration", limit=10)`,
		InputSchema: mustSchema(schema),
	}
}

func getDebugTool() Tool {
	schema := map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"workspace_path": workspacePathProperty(),
		},
		"additionalProperties": false,
	}

	return Tool{
		Name: ToolDebug,
		Description: `Operational snapshot: workspace state, graph version, node and edge counts, the latest
run, operation counters, and embedding cache statistics.

Examples:
- debug()`,
		InputSchema: mustSchema(schema),
	}
}

func getRecoverTool() Tool {
	schema := map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"workspace_path": workspacePathProperty(),
		},
		"additionalProperties": false,
	}

	return Tool{
		Name: ToolRecover,
		Description: `Rebuild the graph snapshot by replaying the journal. Corrupt journal lines are skipped and
counted; the recovered graph is integrity-checked (every edge endpoint must resolve) before
the report comes back.

Examples:
- recover()`,
		InputSchema: mustSchema(schema),
	}
}
