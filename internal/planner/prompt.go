package planner

// systemPrompt frames the inference service as a planning assistant.
const systemPrompt = `You are a planning assistant. You break a user request
into an ordered list of steps, each assigned to one of the available workers.
You respond with JSON only.`

// planPrompt asks for a JSON array of steps. Dependencies are expressed as
// 1-based step numbers and translated into step-id edges after parsing.
const planPrompt = `Break the following request into steps.

Request:
%s

Available workers:
%s

Respond with a JSON array. Each element:
{
  "description": "what this step does",
  "worker": "worker id from the list above",
  "input": {"param": "value"},
  "depends_on": [1],
  "resource": "optional resource id this step mutates"
}

Rules:
- "depends_on" lists the 1-based numbers of steps that must finish first.
- Use the fewest steps that cover the request.
- Steps that do not depend on each other should not declare dependencies,
  so they can run in parallel.
- Only use worker ids from the list. Respond with the JSON array and
  nothing else.`
