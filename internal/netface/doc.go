// Package netface defines the external collaborator interfaces left
// to the deployment: KeyNetwork (key-to-peer resolution),
// PeerNetwork (peer liveness/addressing), RepoTransport (remote Repo
// calls), ConsensusTransport (remote ClusterRecord calls) and
// CryptoProvider (local identity/signing). The actual libp2p transport
// is out of scope; InProcess supplies an in-process implementation of
// every interface here for tests and the single-process demo peer.
package netface
