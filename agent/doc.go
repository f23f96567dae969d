// Package agent provides the public contracts for building agents on agentrt.
//
// This package exports the addressing types (AgentID, TopicID), the Agent and
// Runtime interfaces, intervention handlers, subscriptions, and the routed
// dispatch helpers that concrete agents use to map message types to handlers.
// The runtimes themselves live behind the root agentrt package.
//
// # Basic Usage
//
// The simplest agent embeds RoutedAgent and declares its handlers:
//
//	type Echo struct {
//	    *agent.RoutedAgent
//	}
//
//	func NewEcho(fc agent.FactoryContext) (agent.Agent, error) {
//	    return agent.NewRoutedAgent(fc, "echoes its input", []agent.Handler{
//	        agent.HandlerFor(func(ctx context.Context, msg string, mctx agent.MessageContext) (any, error) {
//	            return msg, nil
//	        }),
//	    })
//	}
//
// # Runtime Usage
//
// Register a factory under an agent type and address instances by AgentID:
//
//	rt := agentrt.NewLocalRuntime()
//	_ = rt.Register("echoer", NewEcho)
//	rt.Start(ctx)
//
//	reply, err := rt.SendMessage(ctx, "hi", agent.AgentID{Type: "echoer", Key: "ns1"})
//
//	// Broadcast to every subscriber of the message type in namespace "ns1"
//	err = rt.PublishMessage(ctx, Note{Text: "hello"}, agent.TopicID{Type: "notes", Source: "ns1"})
//
// # Namespaces
//
// The Key of an AgentID is its namespace. The first time a namespace is
// addressed, the runtime instantiates one agent per registered type in it so
// every declared subscription is in place before delivery.
//
// # Interventions
//
// InterventionHandler values see every send, publish, and response before it
// is dispatched. They may pass it through, substitute another message, or
// return DropMessage to veto delivery.
package agent
