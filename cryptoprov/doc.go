// Package cryptoprov provides the interface of key custody providers
// for blockchain addresses, and loading of providers by configuration.
//
// A provider is registered by manufacturer name, the PKCS#11 provider
// from the crypto11 package registers itself on import.
//
// Configuration is typically done through YAML or JSON files that specify
// the manufacturer, location of the PKCS#11 library, and the token to use.
package cryptoprov
